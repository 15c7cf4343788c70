// Package domain provides the core types shared by the orchestration layer:
// sessions, stream events, workflow progress and the error taxonomy.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure talking to the upstream agent service.
type ErrorKind string

const (
	// KindClient is a 4xx response the caller or configuration must fix.
	KindClient ErrorKind = "client_error"

	// KindConversationExpired is a 404 for a conversation the upstream no longer knows.
	KindConversationExpired ErrorKind = "conversation_expired"

	// KindServer is a 5xx response.
	KindServer ErrorKind = "server_error"

	// KindNetwork is a transport failure after the connection was established.
	KindNetwork ErrorKind = "network_error"

	// KindConnect is a failure to establish the connection at all.
	KindConnect ErrorKind = "connect_error"

	// KindTimeout is an attempt that exceeded its deadline.
	KindTimeout ErrorKind = "timeout"

	// KindPoolExhausted means no upstream connection slot became free in time.
	KindPoolExhausted ErrorKind = "pool_exhausted"

	// KindCanceled means the caller went away.
	KindCanceled ErrorKind = "canceled"

	// KindBreakerOpen is synthetic: the call never reached the upstream.
	KindBreakerOpen ErrorKind = "breaker_open"

	// KindDecode is a malformed frame or payload.
	KindDecode ErrorKind = "decode_error"
)

var (
	// ErrBreakerOpen is returned by a circuit breaker that rejects a call.
	ErrBreakerOpen = &AgentError{Kind: KindBreakerOpen, Message: "circuit breaker is open"}

	// ErrSessionNotFound is returned when a session does not exist or has expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConversationAlreadySet is returned when a second remote conversation id is
	// assigned without clearing the first one.
	ErrConversationAlreadySet = errors.New("remote conversation id already set")
)

// AgentError is a classified upstream failure.
type AgentError struct {
	Kind       ErrorKind
	StatusCode int
	Code       string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	var msg string
	switch {
	case e.StatusCode != 0 && e.Code != "":
		msg = fmt.Sprintf("%s (status %d, %s): %s", e.Kind, e.StatusCode, e.Code, e.Message)
	case e.StatusCode != 0:
		msg = fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	default:
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *AgentError) Unwrap() error {
	return e.Err
}

// Is matches any AgentError of the same kind, so errors.Is(err, ErrBreakerOpen) works
// for breaker rejections carrying extra context.
func (e *AgentError) Is(target error) bool {
	t, ok := target.(*AgentError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.StatusCode == 0 && t.Code == ""
}

// NewAgentError creates a classified error wrapping cause.
func NewAgentError(kind ErrorKind, message string, cause error) *AgentError {
	return &AgentError{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the ErrorKind of err, or "" if err is not an AgentError.
func KindOf(err error) ErrorKind {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// StatusOf extracts the upstream HTTP status code of err, or 0.
func StatusOf(err error) int {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}

// ErrorType represents the category of an outward API error.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypePermission     ErrorType = "permission"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeOverloaded     ErrorType = "overloaded"
	ErrorTypeServer         ErrorType = "server"
)

// APIError is the error body returned to callers of the HTTP surface.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypePermission:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{Type: errType, Message: message}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code string) *APIError {
	e.Code = code
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// ToAPIError maps an upstream ClientError onto the outward error body. The upstream
// status is preserved so callers see the same class of failure.
func ToAPIError(err error) *APIError {
	var api *APIError
	if errors.As(err, &api) {
		return api
	}

	var ae *AgentError
	if !errors.As(err, &ae) {
		return ErrServer(err.Error())
	}

	var t ErrorType
	switch ae.StatusCode {
	case http.StatusUnauthorized:
		t = ErrorTypeAuthentication
	case http.StatusForbidden:
		t = ErrorTypePermission
	case http.StatusNotFound:
		t = ErrorTypeNotFound
	case http.StatusTooManyRequests:
		t = ErrorTypeRateLimit
	default:
		if ae.Kind == KindClient {
			t = ErrorTypeInvalidRequest
		} else {
			t = ErrorTypeServer
		}
	}

	out := NewAPIError(t, ae.Message).WithCode(ae.Code)
	if ae.StatusCode >= 400 && ae.StatusCode < 500 {
		out.StatusCode = ae.StatusCode
	}
	return out
}
