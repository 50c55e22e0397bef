package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	p, err := New(Config{
		APIKey:  "mock-api-key",
		BaseURL: srv.URL,
		Models:  []string{"meta-llama/llama-3-70b-instruct"},
		Referer: "https://bridge.example.com",
		Title:   "llm-bridge",
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:    "meta-llama/llama-3-70b-instruct",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}
}

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("HTTP-Referer") != "https://bridge.example.com" {
			t.Errorf("HTTP-Referer = %q", r.Header.Get("HTTP-Referer"))
		}
		if r.Header.Get("X-Title") != "llm-bridge" {
			t.Errorf("X-Title = %q", r.Header.Get("X-Title"))
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "gen-abc",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "meta-llama/llama-3-70b-instruct",
			"choices": []any{
				map[string]any{
					"index":         0,
					"message":       map[string]any{"role": "assistant", "content": "Hello back"},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	resp, err := p.ChatCompletion(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "gen-abc" {
		t.Errorf("ID = %q", resp.ID)
	}
	if resp.Content != "Hello back" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Provider != "openrouter" {
		t.Errorf("Provider = %q", resp.Provider)
	}
	if resp.FinishReason != providers.FinishStop {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
}

func TestChatCompletionStreamSkipsProcessingComments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["stream"] != true {
			t.Error("stream flag not set")
		}
		if body["max_tokens"] != nil && body["max_completion_tokens"] != nil {
			t.Error("both token limit fields set")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		flusher, _ := w.(http.Flusher)
		frames := []string{
			": OPENROUTER PROCESSING",
			`data: {"id":"gen-1","choices":[{"delta":{"content":"Hi"},"finish_reason":null}]}`,
			": OPENROUTER PROCESSING",
			`data: {"id":"gen-1","choices":[{"delta":{"content":" there"},"finish_reason":null}]}`,
			`data: {"id":"gen-1","choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
			`data: [DONE]`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "%s\n\n", f)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	stream, err := p.ChatCompletionStream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content string
	var last providers.StreamChunk
	var n int
	for c := range stream.Chunks() {
		content += c.ContentDelta
		last = c
		n++
	}

	if n != 3 {
		t.Fatalf("got %d chunks, want 2 deltas + terminal", n)
	}
	if content != "Hi there" {
		t.Errorf("content = %q", content)
	}
	if last.FinishReason != providers.FinishStop || last.Usage.TotalTokens != 5 {
		t.Errorf("terminal = %+v", last)
	}
}

func TestChatCompletionStreamAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"No auth credentials found","code":401}}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	_, err := p.ChatCompletionStream(context.Background(), baseRequest())

	var ae *providers.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *providers.APIError, got %T: %v", err, err)
	}
	if ae.Code != providers.CodeAuthentication {
		t.Errorf("Code = %q", ae.Code)
	}
}

func TestModelsStatic(t *testing.T) {
	p, err := New(Config{
		APIKey:       "k",
		Models:       []string{"a/one", "b/two"},
		DefaultModel: "a/one",
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := p.Models(context.Background())
	if len(got) != 2 {
		t.Fatalf("got %d models", len(got))
	}
	if !got[0].Default || got[1].Default {
		t.Errorf("default flags = %v, %v", got[0].Default, got[1].Default)
	}
}
