package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"chat-relay/internal/llm"
	"chat-relay/internal/metrics"
	"chat-relay/pkg/logging/logging"

	"go.uber.org/zap"
)

// Client-visible error strings. Upstream failure detail never leaves the logs.
const (
	errMissingMessage = `Request body must contain a "message" field.`
	errInternal       = "Failed to process chat message due to an internal server error."
)

// GenerationConfig holds the fixed sampling settings sent upstream for every
// relay request. Nothing in here is derived from the inbound request.
type GenerationConfig struct {
	Model        string
	ProviderSort string
	Temperature  float32
	TopP         float32
	MaxTokens    int
}

func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Model:        "meta-llama/llama-3.3-70b-instruct",
		ProviderSort: "throughput",
		Temperature:  0.7,
		TopP:         0.9,
		MaxTokens:    1024,
	}
}

// ChatHandler relays a single user message to the streaming completion
// provider and forwards content fragments to the client as they arrive.
type ChatHandler struct {
	LLM llm.Client
	Gen GenerationConfig
}

func NewChatHandler(client llm.Client, gen GenerationConfig) *ChatHandler {
	return &ChatHandler{
		LLM: client,
		Gen: gen,
	}
}

type chatRequest struct {
	Message string `json:"message"`
}

// streamState tracks how far the response has progressed. Once bytes have
// been flushed (stateStreaming) a structured JSON error is no longer legal;
// the only remaining failure mode is truncation.
type streamState int

const (
	statePending streamState = iota
	stateStreaming
	stateClosed
)

// Chat handles POST /api/chat.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid chat request body", zap.Error(err))
		metrics.ChatRequestsTotal.WithLabelValues("invalid").Inc()
		h.writeError(w, http.StatusBadRequest, errMissingMessage)
		return
	}
	if req.Message == "" {
		logger.Warn("chat request missing message field")
		metrics.ChatRequestsTotal.WithLabelValues("invalid").Inc()
		h.writeError(w, http.StatusBadRequest, errMissingMessage)
		return
	}

	logger.Info("chat request received",
		zap.Int("message_bytes", len(req.Message)),
		zap.String("model", h.Gen.Model),
	)
	logger.Debug("chat request payload", zap.String("message", req.Message))

	upstreamReq := &llm.ChatRequest{
		Model: h.Gen.Model,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleUser, Content: req.Message},
		},
		Temperature: h.Gen.Temperature,
		TopP:        h.Gen.TopP,
		MaxTokens:   h.Gen.MaxTokens,
		Provider:    &llm.ProviderPreferences{Sort: h.Gen.ProviderSort},
	}

	// Single upstream attempt. If it fails the client retries at its own
	// discretion; the relay never re-invokes the provider for one request.
	stream, err := h.LLM.ChatCompletionStream(ctx, upstreamReq)
	if err != nil {
		logger.Error("failed to open upstream stream", zap.Error(err))
		metrics.UpstreamFailuresTotal.Inc()
		metrics.ChatRequestsTotal.WithLabelValues("upstream_error").Inc()
		h.writeError(w, http.StatusInternalServerError, errInternal)
		return
	}

	// The content type is declared before any event is consumed, but the
	// status line is only committed on the first write. Until then a
	// pre-stream failure can still become a structured 500.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	flusher, _ := w.(http.Flusher)

	state := statePending
	fragments := 0

	for res := range stream {
		if res.Err != nil {
			logger.Error("upstream stream failed",
				zap.Error(res.Err),
				zap.Int("fragments_relayed", fragments),
				zap.Duration("elapsed", time.Since(start)),
			)
			metrics.UpstreamFailuresTotal.Inc()
			if state == statePending {
				metrics.ChatRequestsTotal.WithLabelValues("upstream_error").Inc()
				h.writeError(w, http.StatusInternalServerError, errInternal)
				return
			}
			// Bytes are already on the wire: no JSON after raw text,
			// just stop writing and let the response close.
			metrics.ChatRequestsTotal.WithLabelValues("truncated").Inc()
			return
		}

		chunk := res.Chunk
		if chunk == nil {
			continue
		}

		// Content first, then the finish check. A chunk carrying both a
		// fragment and a finish reason still gets its fragment relayed.
		if chunk.Delta != "" {
			if state == statePending {
				w.WriteHeader(http.StatusOK)
				state = stateStreaming
			}
			if _, err := io.WriteString(w, chunk.Delta); err != nil {
				// Client went away; abandon the stream. Cancelling the
				// request context stops the upstream reader.
				logger.Warn("client write failed, abandoning stream",
					zap.Error(err),
					zap.Int("fragments_relayed", fragments),
				)
				metrics.ChatRequestsTotal.WithLabelValues("truncated").Inc()
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			fragments++
			metrics.StreamFragmentsTotal.Inc()
		}

		if chunk.FinishReason != "" {
			logger.Info("upstream stream finished",
				zap.String("finish_reason", chunk.FinishReason),
				zap.Int("fragments_relayed", fragments),
			)
			break
		}
	}

	// Reached on finish reason or upstream exhaustion; both are normal.
	// No trailer, no end-of-stream marker beyond the chunked terminator.
	metrics.ChatRequestsTotal.WithLabelValues("ok").Inc()
	logger.Info("chat request completed",
		zap.Int("fragments_relayed", fragments),
		zap.Duration("total_latency", time.Since(start)),
	)
}

// writeError sends a structured JSON error. Only legal before any streaming
// byte has been flushed.
func (h *ChatHandler) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
