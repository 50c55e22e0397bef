// Package apierr writes the gateway's JSON error envelope to fasthttp
// responses, mapping the internal error taxonomy to HTTP statuses.
package apierr

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

// Body is the error payload returned to clients.
type (
	Body struct {
		Message  string `json:"message"`
		Code     string `json:"code"`
		Provider string `json:"provider,omitempty"`
		Model    string `json:"model,omitempty"`
	}
	envelope struct {
		Error Body `json:"error"`
	}
)

// Write emits a JSON error with the given status.
func Write(ctx *fasthttp.RequestCtx, status int, code, message string) {
	writeBody(ctx, status, Body{Message: message, Code: code})
}

// WriteError classifies err through the provider error taxonomy and writes
// the matching response. Rate limit errors carry a Retry-After header.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	var ae *providers.APIError
	if !errors.As(err, &ae) {
		Write(ctx, fasthttp.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	if ae.Code == providers.CodeRateLimit {
		retry := int(ae.RetryAfter.Seconds())
		if retry <= 0 {
			retry = 60
		}
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(retry))
	}

	writeBody(ctx, ae.Status, Body{
		Message:  ae.Message,
		Code:     ae.Code,
		Provider: ae.Provider,
		Model:    ae.Model,
	})
}

// WriteRateLimit writes the 429 returned by the gateway's own limiter.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, providers.CodeRateLimit, "rate limit exceeded")
}

func writeBody(ctx *fasthttp.RequestCtx, status int, b Body) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	payload, _ := json.Marshal(envelope{Error: b})
	ctx.SetBody(payload)
}
