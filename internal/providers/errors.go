package providers

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes returned to clients. These are stable API surface.
const (
	CodeValidation       = "validation_error"
	CodeProviderNotFound = "provider_not_found"
	CodeAuthentication   = "authentication_error"
	CodeRateLimit        = "rate_limit_error"
	CodeModelNotFound    = "model_not_found"
	CodeProvider         = "provider_error"
	CodeCircuitOpen      = "circuit_open"
	CodeStreamTimeout    = "stream_timeout"
)

// APIError is the gateway's error taxonomy. Every error that crosses the
// pipeline boundary is one of these; the HTTP layer maps Status to the
// response code and Code/Message to the JSON body.
type APIError struct {
	Code       string
	Message    string
	Status     int
	Provider   string
	Model      string
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// HTTPStatus implements StatusCoder.
func (e *APIError) HTTPStatus() int { return e.Status }

// Retryable reports whether the breaker should treat further calls as
// potentially succeeding. Authentication failures still count as breaker
// failures but are surfaced verbatim.
func (e *APIError) Retryable() bool { return e.Status >= 500 }

// NewValidationError builds a 400 validation error.
func NewValidationError(format string, args ...any) *APIError {
	return &APIError{
		Code:    CodeValidation,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusBadRequest,
	}
}

// NewProviderNotFoundError builds a 404 for an explicitly requested but
// unconfigured provider name.
func NewProviderNotFoundError(name string) *APIError {
	return &APIError{
		Code:     CodeProviderNotFound,
		Message:  fmt.Sprintf("provider %q is not configured", name),
		Status:   http.StatusNotFound,
		Provider: name,
	}
}

// NewCircuitOpenError builds the 503 returned when a breaker rejects a call
// and no fallback is registered.
func NewCircuitOpenError(provider string, cause error) *APIError {
	return &APIError{
		Code:     CodeCircuitOpen,
		Message:  fmt.Sprintf("provider %q is temporarily unavailable", provider),
		Status:   http.StatusServiceUnavailable,
		Provider: provider,
		Err:      cause,
	}
}

// NewStreamTimeoutError builds the internal signal used to force-close an
// inactive stream. It never becomes an HTTP status (the connection is
// simply closed) but it is recorded in metrics.
func NewStreamTimeoutError(provider string, idle time.Duration) *APIError {
	return &APIError{
		Code:     CodeStreamTimeout,
		Message:  fmt.Sprintf("no stream activity for %s", idle),
		Status:   http.StatusGatewayTimeout,
		Provider: provider,
	}
}

// FromUpstreamStatus classifies an upstream HTTP failure into the taxonomy.
// Unknown statuses become a generic provider error (502 to the client).
// retryAfter is the upstream's own Retry-After when it sent one; on a 429 it
// is propagated to the client, defaulting to 60s when absent.
func FromUpstreamStatus(provider, model string, status int, msg string, retryAfter time.Duration) *APIError {
	e := &APIError{
		Message:  msg,
		Provider: provider,
		Model:    model,
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Code = CodeAuthentication
		e.Status = http.StatusUnauthorized
	case status == http.StatusTooManyRequests:
		e.Code = CodeRateLimit
		e.Status = http.StatusTooManyRequests
		e.RetryAfter = retryAfter
		if e.RetryAfter <= 0 {
			e.RetryAfter = 60 * time.Second
		}
	case status == http.StatusNotFound:
		e.Code = CodeModelNotFound
		e.Status = http.StatusNotFound
	default:
		e.Code = CodeProvider
		e.Status = http.StatusBadGateway
	}
	return e
}

// AsAPIError unwraps err to an *APIError, converting foreign errors into a
// generic provider error so callers always get a classified value.
func AsAPIError(provider string, err error) *APIError {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae
	}
	return &APIError{
		Code:     CodeProvider,
		Message:  err.Error(),
		Status:   http.StatusBadGateway,
		Provider: provider,
		Err:      err,
	}
}
