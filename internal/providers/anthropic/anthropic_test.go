package anthropic

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
		Models:  []string{"claude-sonnet-4-5"},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model: "claude-sonnet-4-5",
		Messages: []providers.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "Hello"},
		},
		RequestID: "req-mock-1",
	}
}

func decodeJSONMap(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Fatalf("failed to decode request body as json: %v", err)
	}
	return m
}

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "mock-api-key" {
			t.Errorf("missing x-api-key header")
		}

		body := decodeJSONMap(t, r)
		msgs, ok := body["messages"].([]any)
		if !ok || len(msgs) == 0 {
			t.Error("messages missing from request body")
		}
		for _, m := range msgs {
			if m.(map[string]any)["role"] == "system" {
				t.Error("system turn must be hoisted out of messages")
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_01",
			"type":  "message",
			"role":  "assistant",
			"model": "claude-sonnet-4-5",
			"content": []map[string]any{
				{"type": "text", "text": "Hello, world!"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 12, "output_tokens": 4},
		})
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	resp, err := p.ChatCompletion(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "msg_01" {
		t.Errorf("ID = %q", resp.ID)
	}
	if resp.Content != "Hello, world!" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.FinishReason != providers.FinishStop {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 4 || resp.Usage.TotalTokens != 16 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func writeEvent(w http.ResponseWriter, name, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestChatCompletionStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeJSONMap(t, r)
		if body["stream"] != true {
			t.Error("stream flag not set in request body")
		}
		if body["system"] != "be brief" {
			t.Errorf("system prompt = %v", body["system"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeEvent(w, "message_start",
			`{"type":"message_start","message":{"id":"msg_02","model":"claude-sonnet-4-5","usage":{"input_tokens":9,"output_tokens":0}}}`)
		writeEvent(w, "content_block_start",
			`{"type":"content_block_start","index":0}`)
		writeEvent(w, "ping", `{"type":"ping"}`)
		writeEvent(w, "content_block_delta",
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`)
		writeEvent(w, "content_block_delta",
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`)
		writeEvent(w, "content_block_stop",
			`{"type":"content_block_stop","index":0}`)
		writeEvent(w, "message_delta",
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`)
		writeEvent(w, "message_stop", `{"type":"message_stop"}`)
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
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 2 deltas + terminal", len(chunks))
	}

	if chunks[0].ContentDelta+chunks[1].ContentDelta != "Hello world" {
		t.Errorf("content = %q%q", chunks[0].ContentDelta, chunks[1].ContentDelta)
	}
	if chunks[0].Usage.CompletionTokens != 0 {
		t.Error("delta chunks must not carry output token counts")
	}

	last := chunks[2]
	if last.FinishReason != providers.FinishStop {
		t.Errorf("terminal finish = %q", last.FinishReason)
	}
	if last.Usage.PromptTokens != 9 || last.Usage.CompletionTokens != 2 || last.Usage.TotalTokens != 11 {
		t.Errorf("terminal usage = %+v", last.Usage)
	}
	if last.ID != "msg_02" {
		t.Errorf("terminal ID = %q", last.ID)
	}
}

func TestChatCompletionStreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeEvent(w, "message_start",
			`{"type":"message_start","message":{"id":"msg_03","usage":{"input_tokens":1}}}`)
		writeEvent(w, "error",
			`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	stream, err := p.ChatCompletionStream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var last providers.StreamChunk
	for c := range stream.Chunks() {
		last = c
	}
	if last.Err == nil {
		t.Fatal("error event must surface on the terminal chunk")
	}
	if last.FinishReason != providers.FinishError {
		t.Errorf("terminal finish = %q", last.FinishReason)
	}

	var ae *providers.APIError
	if !errors.As(last.Err, &ae) || ae.Message != "Overloaded" {
		t.Errorf("Err = %v", last.Err)
	}
}

func TestChatCompletionStreamTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeEvent(w, "message_start",
			`{"type":"message_start","message":{"id":"msg_04","usage":{"input_tokens":1}}}`)
		writeEvent(w, "content_block_delta",
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"cut"}}`)
		// connection drops before message_stop
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	stream, err := p.ChatCompletionStream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var last providers.StreamChunk
	for c := range stream.Chunks() {
		last = c
	}
	if last.Err != nil {
		t.Errorf("truncated stream must not surface an error, got %v", last.Err)
	}
	if last.FinishReason != providers.FinishUnknown {
		t.Errorf("terminal finish = %q", last.FinishReason)
	}
}

func TestChatCompletionStreamAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
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
	if ae.Message != "invalid x-api-key" {
		t.Errorf("Message = %q", ae.Message)
	}
}
