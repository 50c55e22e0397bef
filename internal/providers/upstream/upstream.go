// Package upstream holds the shared raw-HTTP plumbing used by adapters that
// read provider SSE streams directly instead of through an SDK.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPError is a non-2xx reply to a stream-open request, with the upstream
// error message extracted from the body when one is present. RetryAfter
// carries the parsed Retry-After header, zero when absent.
type HTTPError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

// errEnvelope matches the {"error": {"message": ...}} shape shared by the
// OpenAI-compatible APIs.
type errEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// OpenSSE POSTs body as JSON and returns the response once headers arrive.
// The caller owns resp.Body. A non-2xx status is drained, closed, and
// returned as *HTTPError.
func OpenSSE(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))

		msg := http.StatusText(resp.StatusCode)
		var env errEnvelope
		if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Message:    msg,
			RetryAfter: RetryAfter(resp.Header),
		}
	}
	return resp, nil
}

// RetryAfter parses the Retry-After header, accepting both the delta-seconds
// and the HTTP-date form. Zero when the header is absent or unparseable.
func RetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// BearerHeaders builds the standard Authorization header map.
func BearerHeaders(apiKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + apiKey}
}
