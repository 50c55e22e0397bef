// Package providers defines the common request/response types and the
// Provider interface implemented by every upstream LLM adapter (OpenAI,
// Anthropic, Gemini, OpenRouter).
//
// Each adapter lives in its own sub-package and converts between the
// gateway's normalized shapes and the upstream wire format. Upstream field
// names never cross this boundary.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message roles accepted by the gateway.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Finish reasons in normalized responses and stream chunks.
const (
	FinishStop    = "stop"
	FinishLength  = "length"
	FinishTool    = "tool"
	FinishError   = "error"
	FinishUnknown = "unknown"
)

// DefaultTimeout is the per-provider HTTP request timeout applied when the
// provider config leaves it unset.
const DefaultTimeout = 30 * time.Second

type (
	// Message is a single conversation turn. On the wire the content field
	// is either a plain string or an array of typed content parts; both
	// decode into Content (see UnmarshalJSON). It always encodes as a string.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// ChatRequest is the normalized inbound request. Model is the
	// provider-native model name; the "provider/" prefix is stripped by the
	// pipeline before the request reaches an adapter.
	ChatRequest struct {
		Model       string
		Messages    []Message
		Temperature float64
		MaxTokens   int
		NoCache     bool
		RequestID   string
	}

	// Usage holds token accounting for a completion. On stream chunks the
	// counts may stay zero until the upstream delivers them in a terminal
	// event; this mirrors upstream behaviour and is not corrected.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// NormalizedResponse is the canonical non-streaming result. Produced
	// exactly once per call and never mutated afterwards.
	NormalizedResponse struct {
		ID           string    `json:"id"`
		Model        string    `json:"model"`
		Provider     string    `json:"provider"`
		CreatedAt    time.Time `json:"created_at"`
		Content      string    `json:"content"`
		Usage        Usage     `json:"usage"`
		FinishReason string    `json:"finish_reason"`
		LatencyMs    int64     `json:"latency_ms"`
		Cached       bool      `json:"cached,omitempty"`
		Degraded     bool      `json:"degraded,omitempty"`
		Raw          any       `json:"raw,omitempty"`
	}

	// StreamChunk is one normalized element of a streaming response.
	// FinishReason is empty on intermediate chunks; a chunk with a non-empty
	// FinishReason terminates the stream. Err is set on a terminal chunk when
	// the upstream failed after streaming had begun.
	StreamChunk struct {
		ID           string    `json:"id"`
		Model        string    `json:"model"`
		Provider     string    `json:"provider"`
		CreatedAt    time.Time `json:"created_at"`
		ContentDelta string    `json:"content_delta"`
		FinishReason string    `json:"finish_reason,omitempty"`
		Usage        Usage     `json:"usage"`
		LatencyMs    int64     `json:"latency_ms"`
		Err          error     `json:"-"`
	}

	// ModelDescriptor describes one model a provider can serve.
	ModelDescriptor struct {
		ID        string `json:"id"`
		Provider  string `json:"provider"`
		Default   bool   `json:"default,omitempty"`
		Streaming bool   `json:"streaming"`
	}
)

// contentPart is one element of the array form of a message's content field.
// Only text parts carry content the gateway forwards.
type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UnmarshalJSON accepts both content shapes used by chat APIs: a plain
// string and an array of content parts. Text parts are concatenated in
// order; parts of other types are ignored.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Role = wire.Role
	m.Content = ""

	content := bytes.TrimSpace(wire.Content)
	switch {
	case len(content) == 0 || bytes.Equal(content, []byte("null")):
		return nil
	case content[0] == '"':
		return json.Unmarshal(content, &m.Content)
	case content[0] == '[':
		var parts []contentPart
		if err := json.Unmarshal(content, &parts); err != nil {
			return fmt.Errorf("content parts: %w", err)
		}
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		m.Content = b.String()
		return nil
	default:
		return fmt.Errorf("content: expected string or array of content parts")
	}
}

// Terminal reports whether the chunk ends its stream.
func (c StreamChunk) Terminal() bool { return c.FinishReason != "" || c.Err != nil }

// Provider is the contract every upstream adapter satisfies.
type Provider interface {
	Name() string

	// Models returns the models this provider can serve. Adapters that
	// support dynamic listing merge the live upstream list with the static
	// config; on upstream failure they fall back to the last successful
	// listing, then to the static config. Never errors.
	Models(ctx context.Context) []ModelDescriptor

	// ChatCompletion performs one non-streaming completion.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*NormalizedResponse, error)

	// ChatCompletionStream starts a streaming completion. Errors before the
	// first chunk are returned synchronously; later failures arrive as a
	// terminal chunk on the stream.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (*Stream, error)
}

// Pinger is an optional interface for adapters that can probe upstream
// connectivity. Check with a type assertion before calling.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// ValidateChatRequest enforces the invariants shared by all adapters:
// a known model name and a non-empty message sequence.
func ValidateChatRequest(req *ChatRequest) error {
	if req == nil {
		return NewValidationError("request body is required")
	}
	if req.Model == "" {
		return NewValidationError("field 'model' is required")
	}
	if len(req.Messages) == 0 {
		return NewValidationError("field 'messages' must not be empty")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return NewValidationError("message %d: unknown role %q", i, m.Role)
		}
	}
	return nil
}

// SplitSystemPrompt extracts system messages into a single prompt string for
// upstreams without a first-class system role; the remaining turns are
// returned in order.
func SplitSystemPrompt(msgs []Message) (system string, rest []Message) {
	rest = make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
