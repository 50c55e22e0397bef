package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	p, err := New(Config{
		APIKey:  "mock-api-key",
		BaseURL: srv.URL,
		Models:  []string{"gpt-4o"},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestChatCompletion(t *testing.T) {
	responseBody := map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o",
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Hello, world!",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	resp, err := p.ChatCompletion(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "chatcmpl-123" {
		t.Errorf("ID = %q", resp.ID)
	}
	if resp.Content != "Hello, world!" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Provider != "openai" {
		t.Errorf("Provider = %q", resp.Provider)
	}
	if resp.FinishReason != providers.FinishStop {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 5 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestChatCompletionValidation(t *testing.T) {
	p, _ := New(Config{APIKey: "k"}, nil)

	_, err := p.ChatCompletion(context.Background(), &providers.ChatRequest{Model: "gpt-4o"})
	var ae *providers.APIError
	if !errors.As(err, &ae) || ae.Code != providers.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func sseBody(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	for _, f := range frames {
		fmt.Fprintf(w, "%s\n\n", f)
		if ok {
			flusher.Flush()
		}
	}
}

func TestChatCompletionStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		sseBody(w,
			`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
			`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
			`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`,
			`data: [DONE]`,
		)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	stream, err := p.ChatCompletionStream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content string
	var last providers.StreamChunk
	for chunk := range stream.Chunks() {
		content += chunk.ContentDelta
		last = chunk
	}

	if content != "Hello world" {
		t.Errorf("content = %q", content)
	}
	if last.FinishReason != providers.FinishStop {
		t.Errorf("terminal finish = %q", last.FinishReason)
	}
	if last.Usage.TotalTokens != 6 {
		t.Errorf("terminal usage = %+v", last.Usage)
	}
}

func TestChatCompletionStreamSkipsMalformedFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseBody(w,
			`data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"ok"}}]}`,
			`data: {not json`,
			`data: {"id":"chatcmpl-1","choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`data: [DONE]`,
		)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	stream, err := p.ChatCompletionStream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var chunks []providers.StreamChunk
	for c := range stream.Chunks() {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want delta + terminal", len(chunks))
	}
	if chunks[0].ContentDelta != "ok" || chunks[1].FinishReason != providers.FinishStop {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestChatCompletionStreamEOFWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseBody(w,
			`data: {"id":"chatcmpl-1","choices":[{"delta":{"content":"partial"}}]}`,
		)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	stream, err := p.ChatCompletionStream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var last providers.StreamChunk
	var n int
	for c := range stream.Chunks() {
		last = c
		n++
	}
	if n != 2 {
		t.Fatalf("got %d chunks, want 2", n)
	}
	if last.Err != nil {
		t.Errorf("truncated stream must not surface an error, got %v", last.Err)
	}
	if last.FinishReason != providers.FinishUnknown {
		t.Errorf("terminal finish = %q, want %q", last.FinishReason, providers.FinishUnknown)
	}
}

func TestChatCompletionStreamUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit exceeded","type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	_, err := p.ChatCompletionStream(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 429")
	}

	var ae *providers.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *providers.APIError, got %T: %v", err, err)
	}
	if ae.Code != providers.CodeRateLimit || ae.Status != http.StatusTooManyRequests {
		t.Errorf("classified as %s/%d", ae.Code, ae.Status)
	}
	if ae.RetryAfter <= 0 {
		t.Error("rate limit error missing RetryAfter")
	}
}

func TestChatCompletionStreamHonorsRetryAfterHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit exceeded","type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	_, err := p.ChatCompletionStream(context.Background(), baseRequest())

	var ae *providers.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *providers.APIError, got %T: %v", err, err)
	}
	if ae.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s from the upstream header", ae.RetryAfter)
	}
}

func TestChatCompletionUpstreamAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	_, err := p.ChatCompletion(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 401")
	}

	var ae *providers.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *providers.APIError, got %T: %v", err, err)
	}
	if ae.Code != providers.CodeAuthentication {
		t.Errorf("Code = %q", ae.Code)
	}
}

func TestModelsStaticFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(Config{
		APIKey:        "k",
		BaseURL:       srv.URL,
		Models:        []string{"gpt-4o", "gpt-4o-mini"},
		DefaultModel:  "gpt-4o",
		DynamicModels: true,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := p.Models(context.Background())
	if len(got) != 2 {
		t.Fatalf("got %d models, want static 2", len(got))
	}
	if !got[0].Default {
		t.Error("default model flag not set")
	}
}
