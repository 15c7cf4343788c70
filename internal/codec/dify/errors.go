package dify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
)

// ErrorBody is the upstream's JSON error response.
type ErrorBody struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseErrorBody decodes an error response body. ok is false when body is not a
// recognizable error object.
func ParseErrorBody(body []byte) (ErrorBody, bool) {
	var eb ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ErrorBody{}, false
	}
	if eb.Code == "" && eb.Message == "" {
		return ErrorBody{}, false
	}
	return eb, true
}

// ClassifyResponse maps a non-2xx upstream response onto the error taxonomy.
func ClassifyResponse(status int, body []byte) *domain.AgentError {
	eb, ok := ParseErrorBody(body)
	if !ok {
		eb = ErrorBody{Message: truncate(strings.TrimSpace(string(body)), 512)}
	}
	if eb.Message == "" {
		eb.Message = http.StatusText(status)
	}

	ae := &domain.AgentError{StatusCode: status, Code: eb.Code, Message: eb.Message}
	switch {
	case status == http.StatusNotFound && mentionsConversation(eb):
		ae.Kind = domain.KindConversationExpired
	case status >= 400 && status < 500:
		ae.Kind = domain.KindClient
	case status >= 500:
		ae.Kind = domain.KindServer
	default:
		ae.Kind = domain.KindServer
		ae.Message = fmt.Sprintf("unexpected status %d: %s", status, eb.Message)
	}
	return ae
}

// ClassifyErrorEvent maps an in-band error frame onto the taxonomy so the
// orchestrator can treat it like a failed response.
func ClassifyErrorEvent(ev domain.ErrorEvent) *domain.AgentError {
	status := ev.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body, _ := json.Marshal(ErrorBody{Status: status, Code: ev.Code, Message: ev.Message})
	return ClassifyResponse(status, body)
}

func mentionsConversation(eb ErrorBody) bool {
	text := strings.ToLower(eb.Code + " " + eb.Message)
	return strings.Contains(text, "conversation")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
