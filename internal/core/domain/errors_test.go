package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "error with type and message",
			err:      &APIError{Type: ErrorTypeInvalidRequest, Message: "bad request"},
			expected: "invalid_request: bad request",
		},
		{
			name:     "error with type, code, and message",
			err:      &APIError{Type: ErrorTypeRateLimit, Code: "rate_limit_exceeded", Message: "rate limited"},
			expected: "rate_limit (rate_limit_exceeded): rate limited",
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

func TestAPIError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
	}{
		{"invalid request", &APIError{Type: ErrorTypeInvalidRequest}, http.StatusBadRequest},
		{"authentication error", &APIError{Type: ErrorTypeAuthentication}, http.StatusUnauthorized},
		{"permission error", &APIError{Type: ErrorTypePermission}, http.StatusForbidden},
		{"not found error", &APIError{Type: ErrorTypeNotFound}, http.StatusNotFound},
		{"rate limit error", &APIError{Type: ErrorTypeRateLimit}, http.StatusTooManyRequests},
		{"overloaded error", &APIError{Type: ErrorTypeOverloaded}, http.StatusServiceUnavailable},
		{"server error", &APIError{Type: ErrorTypeServer}, http.StatusInternalServerError},
		{"explicit status wins", &APIError{Type: ErrorTypeServer, StatusCode: http.StatusTeapot}, http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestAgentError_IsAndKind(t *testing.T) {
	rejected := fmt.Errorf("chat: %w", &AgentError{Kind: KindBreakerOpen, Message: "breaker chat is open"})

	if !errors.Is(rejected, ErrBreakerOpen) {
		t.Error("errors.Is(rejected, ErrBreakerOpen) = false, want true")
	}
	if got := KindOf(rejected); got != KindBreakerOpen {
		t.Errorf("KindOf() = %q, want %q", got, KindBreakerOpen)
	}

	server := &AgentError{Kind: KindServer, StatusCode: 502, Message: "bad gateway"}
	if errors.Is(server, ErrBreakerOpen) {
		t.Error("server error must not match ErrBreakerOpen")
	}
	if got := StatusOf(fmt.Errorf("wrapped: %w", server)); got != 502 {
		t.Errorf("StatusOf() = %d, want 502", got)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantType   ErrorType
		wantStatus int
	}{
		{
			name:       "unauthorized upstream",
			err:        &AgentError{Kind: KindClient, StatusCode: 401, Code: "unauthorized", Message: "bad key"},
			wantType:   ErrorTypeAuthentication,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "bad request upstream",
			err:        &AgentError{Kind: KindClient, StatusCode: 400, Code: "invalid_param", Message: "query required"},
			wantType:   ErrorTypeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unclassified error",
			err:        errors.New("boom"),
			wantType:   ErrorTypeServer,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToAPIError(tt.err)
			if got.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", got.Type, tt.wantType)
			}
			if got.HTTPStatusCode() != tt.wantStatus {
				t.Errorf("HTTPStatusCode() = %d, want %d", got.HTTPStatusCode(), tt.wantStatus)
			}
		})
	}
}
