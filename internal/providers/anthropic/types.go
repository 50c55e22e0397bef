package anthropic

import "github.com/nulpointcorp/llm-bridge/internal/providers"

// messagesRequest is the raw wire body for a streaming /v1/messages call.
type messagesRequest struct {
	Model       string               `json:"model"`
	Messages    []providers.Message  `json:"messages"`
	System      string               `json:"system,omitempty"`
	MaxTokens   int                  `json:"max_tokens"`
	Stream      bool                 `json:"stream,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
}

// streamEvent covers every named SSE event the messages API emits. Fields
// are populated selectively depending on Type.
type streamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string    `json:"id"`
		Model string    `json:"model"`
		Usage *apiUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *apiUsage     `json:"usage,omitempty"`
	Error *apiErrDetail `json:"error,omitempty"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiErrDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
