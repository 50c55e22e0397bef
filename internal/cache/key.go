package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

// Key returns the deterministic cache key for a completion request.
//
// Messages are reduced to {role, content} so extraneous metadata never
// affects the key, and the canonical form is a struct with a fixed field
// order, so two requests differing only in JSON field ordering hash
// identically. The provider name is included to keep identical model names
// on different providers apart.
func Key(provider, model string, msgs []providers.Message, temperature float64, maxTokens int) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	reduced := make([]msg, len(msgs))
	for i, m := range msgs {
		reduced[i] = msg{Role: m.Role, Content: m.Content}
	}

	data, _ := json.Marshal(struct {
		Provider    string `json:"provider"`
		Model       string `json:"model"`
		Temperature string `json:"temperature"`
		MaxTokens   int    `json:"max_tokens"`
		Messages    []msg  `json:"messages"`
	}{
		Provider:    provider,
		Model:       model,
		Temperature: strconv.FormatFloat(temperature, 'f', 4, 64),
		MaxTokens:   maxTokens,
		Messages:    reduced,
	})

	h := sha256.Sum256(data)
	return "resp:" + hex.EncodeToString(h[:])
}
