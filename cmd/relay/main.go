package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"chat-relay/internal/handlers"
	"chat-relay/internal/httpserver"
	"chat-relay/internal/llm"
	"chat-relay/internal/metrics"
	"chat-relay/pkg/logging/logging"
)

type Config struct {
	Port       string
	LLMBaseURL string
	LLMAPIKey  string
	StaticDir  string
}

func LoadConfig() Config {
	return Config{
		Port:       getenv("PORT", "3000"),
		LLMBaseURL: getenv("LLM_BASE_URL", "https://openrouter.ai/api"),
		LLMAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		StaticDir:  getenv("STATIC_DIR", "./public"),
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("relay exited with error: %v", err)
	}
}

func run() error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg := LoadConfig()

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("llm_base_url", cfg.LLMBaseURL),
		zap.String("static_dir", cfg.StaticDir),
	)

	// ----- LLM client -----
	if cfg.LLMAPIKey == "" {
		return fmt.Errorf("OPENROUTER_API_KEY is required")
	}

	llmClient, err := llm.NewClient(llm.Config{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
	}, logger)
	if err != nil {
		return err
	}
	if closer, ok := llmClient.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// ----- Handlers -----
	chatHandler := handlers.NewChatHandler(llmClient, handlers.DefaultGenerationConfig())

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, chatHandler, cfg.StaticDir)

	// ----- HTTP server -----
	// WriteTimeout stays 0: a streamed generation may run for minutes and a
	// server-side write deadline would cut it off mid-response.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting relay",
		zap.String("addr", srv.Addr),
	)

	// Start server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
