package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"chat-relay/internal/handlers"
	"chat-relay/internal/metrics"
	"chat-relay/internal/middleware"
)

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, chatHandler *handlers.ChatHandler, staticDir string) {

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())             // panic recovery
	r.Use(middleware.MaxBodySize(512 * 1024)) // 512 KB max body

	// The chat route streams for as long as the generation runs, so it is
	// the one route without a deadline middleware.
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", chatHandler.Chat)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second)) // request timeout

		// health check
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})

		r.Handle("/metrics", metrics.Handler())

		// companion frontend
		r.Handle("/*", http.FileServer(http.Dir(staticDir)))
	})
}
