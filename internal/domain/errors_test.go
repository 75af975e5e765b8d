package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestRelayError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *RelayError
		expected string
	}{
		{
			name:     "code and message",
			err:      &RelayError{Code: CodeInvalidRequest, Message: "bad request"},
			expected: "INVALID_REQUEST: bad request",
		},
		{
			name:     "code, message, and detail",
			err:      &RelayError{Code: CodeInternalError, Message: "provider returned status 500", Detail: "model overloaded"},
			expected: "INTERNAL_ERROR: provider returned status 500: model overloaded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRelayError_HTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		code     ErrorCode
		expected int
	}{
		{"invalid request", CodeInvalidRequest, http.StatusBadRequest},
		{"auth failed", CodeAuthFailed, http.StatusUnauthorized},
		{"rate limit", CodeRateLimitExceeded, http.StatusTooManyRequests},
		{"timeout", CodeRequestTimeout, http.StatusGatewayTimeout},
		{"service unavailable", CodeServiceUnavailable, http.StatusServiceUnavailable},
		{"internal", CodeInternalError, http.StatusInternalServerError},
		{"unclassified", ErrorCode("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &RelayError{Code: tt.code}
			if got := e.HTTPStatus(); got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestRelayError_Retryable(t *testing.T) {
	tests := []struct {
		name     string
		code     ErrorCode
		expected bool
	}{
		{"service unavailable retries", CodeServiceUnavailable, true},
		{"timeout retries", CodeRequestTimeout, true},
		{"internal retries", CodeInternalError, true},
		{"invalid request never retries", CodeInvalidRequest, false},
		{"auth never retries", CodeAuthFailed, false},
		{"rate limit does not retry in the attempt loop", CodeRateLimitExceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &RelayError{Code: tt.code}
			if got := e.Retryable(); got != tt.expected {
				t.Errorf("Retryable() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRelayError_OutageClass(t *testing.T) {
	tests := []struct {
		name     string
		err      *RelayError
		expected bool
	}{
		{"rate limit is an outage", ErrRateLimited("busy", time.Second), true},
		{"service unavailable is an outage", ErrServiceUnavailable("down"), true},
		{"http 500 is an outage", ErrInternal("boom").WithStatusCode(500), true},
		{"http 502 is an outage", ErrInternal("bad gateway").WithStatusCode(502), true},
		{"local internal bug is not an outage", ErrInternal("transform returned nothing"), false},
		{"timeout is not an outage", ErrTimeout("deadline"), false},
		{"invalid request is not an outage", ErrInvalidRequest("bad"), false},
		{"auth failure is not an outage", ErrAuthFailed("denied"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.OutageClass(); got != tt.expected {
				t.Errorf("OutageClass() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		expectedCode ErrorCode
		expectedDet  string
	}{
		{
			name:         "400 invalid request with nested detail",
			status:       400,
			body:         `{"error":{"message":"missing field: messages"}}`,
			expectedCode: CodeInvalidRequest,
			expectedDet:  "missing field: messages",
		},
		{
			name:         "401 auth",
			status:       401,
			body:         `{"error":"invalid api key"}`,
			expectedCode: CodeAuthFailed,
			expectedDet:  "invalid api key",
		},
		{
			name:         "403 auth",
			status:       403,
			body:         "",
			expectedCode: CodeAuthFailed,
		},
		{
			name:         "408 timeout",
			status:       408,
			body:         "",
			expectedCode: CodeRequestTimeout,
		},
		{
			name:         "429 rate limit",
			status:       429,
			body:         `{"message":"slow down"}`,
			expectedCode: CodeRateLimitExceeded,
			expectedDet:  "slow down",
		},
		{
			name:         "500 internal",
			status:       500,
			body:         "",
			expectedCode: CodeInternalError,
		},
		{
			name:         "503 internal",
			status:       503,
			body:         "",
			expectedCode: CodeInternalError,
		},
		{
			name:         "422 treated as invalid request",
			status:       422,
			body:         "",
			expectedCode: CodeInvalidRequest,
		},
		{
			name:         "non-json body yields no detail",
			status:       400,
			body:         "<html>nope</html>",
			expectedCode: CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := ClassifyHTTP(tt.status, []byte(tt.body))
			if e.Code != tt.expectedCode {
				t.Errorf("Code = %v, want %v", e.Code, tt.expectedCode)
			}
			if e.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", e.StatusCode, tt.status)
			}
			if e.Detail != tt.expectedDet {
				t.Errorf("Detail = %q, want %q", e.Detail, tt.expectedDet)
			}
		})
	}
}

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o timeout" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		expectedCode ErrorCode
	}{
		{"deadline exceeded", context.DeadlineExceeded, CodeRequestTimeout},
		{"cancelled", context.Canceled, CodeRequestTimeout},
		{"net timeout", timeoutNetError{}, CodeRequestTimeout},
		{"wrapped net timeout", fmt.Errorf("do: %w", timeoutNetError{}), CodeRequestTimeout},
		{"connection refused", errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), CodeServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := ClassifyTransport(tt.err)
			if e.Code != tt.expectedCode {
				t.Errorf("Code = %v, want %v", e.Code, tt.expectedCode)
			}
			if !errors.Is(e, tt.err) {
				t.Errorf("classified error does not wrap the cause")
			}
		})
	}
}

func TestClassifyTransport_PassthroughAlreadyClassified(t *testing.T) {
	original := ErrRateLimited("busy", 2*time.Second)
	got := ClassifyTransport(fmt.Errorf("send: %w", original))
	if got != original {
		t.Errorf("ClassifyTransport re-classified an already classified error")
	}
}

func TestErrBlackout(t *testing.T) {
	e := ErrBlackout(45 * time.Second)
	if e.Code != CodeServiceUnavailable {
		t.Errorf("Code = %v, want %v", e.Code, CodeServiceUnavailable)
	}
	if !e.Blackout {
		t.Errorf("Blackout = false, want true")
	}
	if !IsBlackout(fmt.Errorf("check: %w", e)) {
		t.Errorf("IsBlackout() = false for a wrapped blackout error")
	}
	if IsBlackout(ErrServiceUnavailable("down")) {
		t.Errorf("IsBlackout() = true for a plain service error")
	}
}

func TestAsRelayError(t *testing.T) {
	wrapped := fmt.Errorf("pipeline: %w", ErrAuthFailed("denied"))
	re, ok := AsRelayError(wrapped)
	if !ok {
		t.Fatalf("AsRelayError() = _, false, want true")
	}
	if re.Code != CodeAuthFailed {
		t.Errorf("Code = %v, want %v", re.Code, CodeAuthFailed)
	}

	if _, ok := AsRelayError(errors.New("plain")); ok {
		t.Errorf("AsRelayError() = _, true for a plain error")
	}
}
