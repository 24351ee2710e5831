package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chat-relay/internal/llm"
)

type mockLLMClient struct {
	stream         chan llm.StreamResult
	streamErr      error
	streamCalls    int
	nonStreamCalls int
	lastRequest    *llm.ChatRequest
}

func (m *mockLLMClient) ChatCompletion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.nonStreamCalls++
	m.lastRequest = req
	return nil, errors.New("not used in relay tests")
}

func (m *mockLLMClient) ChatCompletionStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamResult, error) {
	m.streamCalls++
	m.lastRequest = req
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	if m.stream == nil {
		m.stream = make(chan llm.StreamResult)
		close(m.stream)
	}
	return m.stream, nil
}

func newTestHandler(mock *mockLLMClient) *ChatHandler {
	return NewChatHandler(mock, DefaultGenerationConfig())
}

func postChat(t *testing.T, h *ChatHandler, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	h.Chat(rr, req)
	return rr
}

func streamOf(results ...llm.StreamResult) chan llm.StreamResult {
	ch := make(chan llm.StreamResult, len(results))
	for _, res := range results {
		ch <- res
	}
	close(ch)
	return ch
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()

	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return resp.Error
}

func TestChatMissingMessage(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no field", `{}`},
		{"empty message", `{"message": ""}`},
		{"malformed json", `{"message":`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := &mockLLMClient{}
			rr := postChat(t, newTestHandler(mock), tc.body)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rr.Code)
			}
			if got := decodeError(t, rr); got != `Request body must contain a "message" field.` {
				t.Fatalf("unexpected error message: %q", got)
			}
			if mock.streamCalls != 0 {
				t.Fatalf("upstream must not be invoked for invalid requests, got %d calls", mock.streamCalls)
			}
		})
	}
}

func TestChatRelaysFragments(t *testing.T) {
	mock := &mockLLMClient{
		stream: streamOf(
			llm.StreamResult{Chunk: &llm.StreamChunk{Delta: "Hel"}},
			llm.StreamResult{Chunk: &llm.StreamChunk{Delta: "lo"}},
			llm.StreamResult{Chunk: &llm.StreamChunk{FinishReason: "stop"}},
		),
	}

	rr := postChat(t, newTestHandler(mock), `{"message": "hi there"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	if got := rr.Body.String(); got != "Hello" {
		t.Fatalf("expected body %q, got %q", "Hello", got)
	}

	if mock.streamCalls != 1 {
		t.Fatalf("expected upstream invoked exactly once, got %d", mock.streamCalls)
	}
	req := mock.lastRequest
	if req == nil || len(req.Messages) != 1 {
		t.Fatalf("expected single-message conversation, got %#v", req)
	}
	if req.Messages[0].Role != llm.RoleUser || req.Messages[0].Content != "hi there" {
		t.Fatalf("unexpected upstream message: %#v", req.Messages[0])
	}
	if req.Provider == nil || req.Provider.Sort == "" {
		t.Fatalf("expected provider routing hint, got %#v", req.Provider)
	}
}

func TestChatFragmentAndFinishInSameEvent(t *testing.T) {
	mock := &mockLLMClient{
		stream: streamOf(
			llm.StreamResult{Chunk: &llm.StreamChunk{Delta: "Hel"}},
			llm.StreamResult{Chunk: &llm.StreamChunk{Delta: "lo", FinishReason: "stop"}},
		),
	}

	rr := postChat(t, newTestHandler(mock), `{"message": "hi"}`)

	// Content is relayed before the finish check, even on the final event.
	if got := rr.Body.String(); got != "Hello" {
		t.Fatalf("expected body %q, got %q", "Hello", got)
	}
}

func TestChatExhaustionWithoutFinishReason(t *testing.T) {
	mock := &mockLLMClient{
		stream: streamOf(
			llm.StreamResult{Chunk: &llm.StreamChunk{Delta: "Hi"}},
		),
	}

	rr := postChat(t, newTestHandler(mock), `{"message": "hello?"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := rr.Body.String(); got != "Hi" {
		t.Fatalf("expected body %q, got %q", "Hi", got)
	}
}

func TestChatEmptyGeneration(t *testing.T) {
	mock := &mockLLMClient{
		stream: streamOf(
			llm.StreamResult{Chunk: &llm.StreamChunk{FinishReason: "stop"}},
		),
	}

	rr := postChat(t, newTestHandler(mock), `{"message": "say nothing"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := rr.Body.String(); got != "" {
		t.Fatalf("expected empty body, got %q", got)
	}
}

func TestChatStreamOpenFailure(t *testing.T) {
	mock := &mockLLMClient{
		streamErr: errors.New("connect refused"),
	}

	rr := postChat(t, newTestHandler(mock), `{"message": "hi"}`)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	if got := decodeError(t, rr); got != "Failed to process chat message due to an internal server error." {
		t.Fatalf("unexpected error message: %q", got)
	}
	if mock.streamCalls != 1 {
		t.Fatalf("a failed attempt must not be retried, got %d calls", mock.streamCalls)
	}
}

func TestChatUpstreamFailureBeforeContent(t *testing.T) {
	mock := &mockLLMClient{
		stream: streamOf(
			llm.StreamResult{Err: errors.New("upstream 429: rate limited")},
		),
	}

	rr := postChat(t, newTestHandler(mock), `{"message": "hi"}`)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON error response, got content type %q", ct)
	}
	if got := decodeError(t, rr); got != "Failed to process chat message due to an internal server error." {
		t.Fatalf("unexpected error message: %q", got)
	}
	if strings.Contains(rr.Body.String(), "429") {
		t.Fatalf("upstream detail leaked to client: %s", rr.Body.String())
	}
	if mock.streamCalls != 1 {
		t.Fatalf("a failed attempt must not be retried, got %d calls", mock.streamCalls)
	}
}

func TestChatUpstreamFailureMidStream(t *testing.T) {
	mock := &mockLLMClient{
		stream: streamOf(
			llm.StreamResult{Chunk: &llm.StreamChunk{Delta: "partial "}},
			llm.StreamResult{Chunk: &llm.StreamChunk{Delta: "answer"}},
			llm.StreamResult{Err: errors.New("connection reset")},
		),
	}

	rr := postChat(t, newTestHandler(mock), `{"message": "hi"}`)

	// Streaming already began: status stays 200 and the body is just the
	// flushed fragments, truncated, with no JSON appended.
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := rr.Body.String(); got != "partial answer" {
		t.Fatalf("expected truncated body %q, got %q", "partial answer", got)
	}
	if strings.Contains(rr.Body.String(), "error") {
		t.Fatalf("structured error appended after streaming began: %s", rr.Body.String())
	}
	if mock.streamCalls != 1 {
		t.Fatalf("a failed stream must not be retried, got %d calls", mock.streamCalls)
	}
}

func TestChatFlushesEachFragment(t *testing.T) {
	mock := &mockLLMClient{
		stream: streamOf(
			llm.StreamResult{Chunk: &llm.StreamChunk{Delta: "a"}},
			llm.StreamResult{Chunk: &llm.StreamChunk{Delta: "b"}},
		),
	}

	rr := postChat(t, newTestHandler(mock), `{"message": "hi"}`)

	if !rr.Flushed {
		t.Fatalf("expected response to be flushed per fragment")
	}
}
