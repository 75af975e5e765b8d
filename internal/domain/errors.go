// Package domain provides the relay's canonical types: content and model
// value objects, the event-sourced request aggregate, and the error
// taxonomy shared by the transport layer and its callers.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorCode is the category of a relay failure. Classification happens
// once, at the transport boundary; callers branch on the code and never
// on raw HTTP statuses.
type ErrorCode string

const (
	// CodeServiceUnavailable indicates the provider could not be reached:
	// connection refused, DNS failure, or an active blackout window.
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// CodeRequestTimeout indicates an attempt was cancelled by its deadline.
	CodeRequestTimeout ErrorCode = "REQUEST_TIMEOUT"

	// CodeRateLimitExceeded indicates HTTP 429. RetryAfter carries the
	// provider's hint when one was sent.
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// CodeAuthFailed indicates HTTP 401 or 403.
	CodeAuthFailed ErrorCode = "AUTH_FAILED"

	// CodeInvalidRequest indicates HTTP 400 (carrying the provider's error
	// detail) or a local validation failure.
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// CodeInternalError indicates HTTP 500+ from the provider or a bug in
	// the relay itself (for example a response transform yielding nothing).
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// RelayError is the classified form of every failure the pipeline can
// surface.
type RelayError struct {
	// Code is the taxonomy category.
	Code ErrorCode `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status received from the provider, when any.
	StatusCode int `json:"status_code,omitempty"`

	// RetryAfter is the provider's rate-limit hint, when one was sent.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Detail is the provider-supplied error detail parsed from the body.
	Detail string `json:"detail,omitempty"`

	// Blackout marks errors produced by an active blackout window rather
	// than an actual network exchange.
	Blackout bool `json:"blackout,omitempty"`

	// Err is the wrapped cause, when the failure originated below the
	// classification boundary.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the status code this error should surface as on the
// relay's own HTTP interface.
func (e *RelayError) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeAuthFailed:
		return http.StatusUnauthorized
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether resending the same request can succeed.
// Client-class failures never retry; rate limits are handled through the
// blackout window instead of the attempt loop.
func (e *RelayError) Retryable() bool {
	switch e.Code {
	case CodeInvalidRequest, CodeAuthFailed, CodeRateLimitExceeded:
		return false
	default:
		return true
	}
}

// OutageClass reports whether this failure indicates provider-side
// trouble and should start a blackout window. Timeouts and client
// mistakes do not black out a fingerprint.
func (e *RelayError) OutageClass() bool {
	switch e.Code {
	case CodeRateLimitExceeded, CodeServiceUnavailable:
		return true
	case CodeInternalError:
		return e.StatusCode >= http.StatusInternalServerError
	default:
		return false
	}
}

// WithStatusCode sets the provider HTTP status.
func (e *RelayError) WithStatusCode(code int) *RelayError {
	e.StatusCode = code
	return e
}

// WithDetail attaches the provider's error detail.
func (e *RelayError) WithDetail(detail string) *RelayError {
	e.Detail = detail
	return e
}

// WithRetryAfter attaches a rate-limit hint.
func (e *RelayError) WithRetryAfter(d time.Duration) *RelayError {
	e.RetryAfter = d
	return e
}

// WithCause wraps the underlying error.
func (e *RelayError) WithCause(err error) *RelayError {
	e.Err = err
	return e
}

// NewRelayError creates a classified error.
func NewRelayError(code ErrorCode, message string) *RelayError {
	return &RelayError{Code: code, Message: message}
}

// Convenience constructors for the taxonomy.

// ErrServiceUnavailable creates a connection-level failure.
func ErrServiceUnavailable(message string) *RelayError {
	return NewRelayError(CodeServiceUnavailable, message)
}

// ErrTimeout creates a deadline-cancellation failure.
func ErrTimeout(message string) *RelayError {
	return NewRelayError(CodeRequestTimeout, message)
}

// ErrRateLimited creates a rate-limit failure carrying the retry-after hint.
func ErrRateLimited(message string, retryAfter time.Duration) *RelayError {
	return NewRelayError(CodeRateLimitExceeded, message).WithRetryAfter(retryAfter)
}

// ErrAuthFailed creates an authentication failure.
func ErrAuthFailed(message string) *RelayError {
	return NewRelayError(CodeAuthFailed, message)
}

// ErrInvalidRequest creates a validation failure.
func ErrInvalidRequest(message string) *RelayError {
	return NewRelayError(CodeInvalidRequest, message)
}

// ErrInternal creates a provider- or relay-internal failure.
func ErrInternal(message string) *RelayError {
	return NewRelayError(CodeInternalError, message)
}

// ErrBlackout creates the fail-fast error returned while a fingerprint is
// inside an active blackout window.
func ErrBlackout(remaining time.Duration) *RelayError {
	e := ErrServiceUnavailable(fmt.Sprintf("provider in blackout for %s after recent failures", remaining.Round(time.Millisecond)))
	e.Blackout = true
	return e
}

// AsRelayError unwraps err to its classified form, if it has one.
func AsRelayError(err error) (*RelayError, bool) {
	var re *RelayError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsBlackout reports whether err is the blackout fail-fast error.
func IsBlackout(err error) bool {
	re, ok := AsRelayError(err)
	return ok && re.Blackout
}

// ClassifyHTTP maps a non-2xx provider response to the taxonomy. The body
// is shape-detected for an error detail: {"error":{"message":...}},
// {"error":"..."}, or {"message":...}.
func ClassifyHTTP(status int, body []byte) *RelayError {
	detail := parseErrorDetail(body)

	var e *RelayError
	switch {
	case status == http.StatusTooManyRequests:
		e = ErrRateLimited("provider rate limit exceeded", 0)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = ErrAuthFailed("provider rejected credentials")
	case status == http.StatusRequestTimeout:
		e = ErrTimeout("provider reported request timeout")
	case status >= http.StatusInternalServerError:
		e = ErrInternal(fmt.Sprintf("provider returned status %d", status))
	default:
		// Remaining 4xx: the request itself is wrong; resending cannot help.
		e = ErrInvalidRequest(fmt.Sprintf("provider rejected request with status %d", status))
	}
	return e.WithStatusCode(status).WithDetail(detail)
}

// ClassifyTransport maps an error from the HTTP client (no response was
// received) to the taxonomy. Deadline expiry becomes a timeout; anything
// network-shaped becomes service-unavailable.
func ClassifyTransport(err error) *RelayError {
	if re, ok := AsRelayError(err); ok {
		return re
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout("request cancelled by deadline").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return ErrTimeout("request cancelled").WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout("network timeout").WithCause(err)
	}
	return ErrServiceUnavailable("provider unreachable").WithCause(err)
}

// parseErrorDetail pulls a human-readable message out of a provider error
// body without assuming any one vendor's schema.
func parseErrorDetail(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if len(envelope.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var flat string
		if err := json.Unmarshal(envelope.Error, &flat); err == nil {
			return flat
		}
	}
	return envelope.Message
}
