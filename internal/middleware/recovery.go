package middleware

import (
	"net/http"
	"runtime/debug"

	"chat-relay/pkg/logging/logging"

	"go.uber.org/zap"
)

// Recoverer turns a handler panic into a 500 and logs the stack. If the
// response was already streaming, the write below is a no-op on the status
// line and the client just sees a truncated body.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec != nil {
					logger := logging.L(r.Context())
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.ByteString("stack", debug.Stack()),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal_server_error"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
