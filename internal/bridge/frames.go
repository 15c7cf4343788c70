package bridge

import "github.com/tjfontaine/casegen-gateway/internal/core/domain"

// FrameType is the discriminator of an outward SSE frame.
type FrameType string

const (
	FrameStreamStart    FrameType = "stream_start"
	FrameProgress       FrameType = "progress"
	FrameStreaming      FrameType = "streaming"
	FrameComplete       FrameType = "complete"
	FrameError          FrameType = "error"
	FrameStreamComplete FrameType = "stream_complete"
)

// Frame is one outward event: {"type": ..., "data": ...}.
type Frame struct {
	Type FrameType `json:"type"`
	Data any       `json:"data"`
}

// Terminal reports whether the frame ends the stream.
func (f Frame) Terminal() bool {
	return f.Type == FrameStreamComplete || f.Type == FrameError
}

type StreamData struct {
	SessionID string `json:"session_id"`
	StreamID  string `json:"stream_id"`
	Message   string `json:"message,omitempty"`
}

type ProgressData struct {
	Stage         string           `json:"stage"`
	Message       string           `json:"message"`
	Progress      int              `json:"progress"`
	WorkflowRunID string           `json:"workflow_run_id,omitempty"`
	NodeID        string           `json:"node_id,omitempty"`
	NodeType      string           `json:"node_type,omitempty"`
	Status        domain.RunStatus `json:"status,omitempty"`
}

type StreamingData struct {
	Content        string `json:"content"`
	Finished       bool   `json:"finished"`
	Replace        bool   `json:"replace,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// MessageCompleteData closes an answer message.
type MessageCompleteData struct {
	Content        string         `json:"content"`
	MessageID      string         `json:"message_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Usage          domain.Usage   `json:"usage"`
	Metadata       map[string]any `json:"metadata"`
}

// ResultCompleteData carries the generated test cases.
type ResultCompleteData struct {
	TestCases  []domain.TestCase `json:"test_cases"`
	TotalCount int               `json:"total_count"`
	Message    string            `json:"message"`
	Source     domain.Source     `json:"source"`
}

type ErrorData struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	UserMessage string `json:"user_message,omitempty"`
}
