package middleware

import "net/http"

// MaxBodySize caps the request body at n bytes. Reads past the limit fail
// with an error the JSON decoder surfaces as a malformed body.
func MaxBodySize(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
