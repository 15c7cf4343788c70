package domain

import "time"

// EventType is the discriminator of a StreamEvent.
type EventType string

// Upstream event tags. The decoder maps each of these to exactly one StreamEvent.
const (
	EventMessage          EventType = "message"
	EventMessageEnd       EventType = "message_end"
	EventMessageReplace   EventType = "message_replace"
	EventTTSMessage       EventType = "tts_message"
	EventTTSMessageEnd    EventType = "tts_message_end"
	EventWorkflowStarted  EventType = "workflow_started"
	EventWorkflowFinished EventType = "workflow_finished"
	EventNodeStarted      EventType = "node_started"
	EventNodeFinished     EventType = "node_finished"
	EventError            EventType = "error"
)

// Events produced by the orchestrator itself.
const (
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
)

// StreamEvent is a closed union of everything a generation or chat stream can carry.
// Only types in this package implement it; consumers dispatch with a type switch.
type StreamEvent interface {
	Type() EventType
	streamEvent()
}

// MessageEvent is an incremental answer chunk.
type MessageEvent struct {
	MessageID      string
	ConversationID string
	Content        string
}

// MessageEndEvent closes a message and carries usage and metadata.
type MessageEndEvent struct {
	MessageID      string
	ConversationID string
	Usage          Usage
	Metadata       map[string]any
}

// MessageReplaceEvent replaces everything streamed so far with Content.
type MessageReplaceEvent struct {
	MessageID      string
	ConversationID string
	Content        string
}

// TTSMessageEvent is an audio chunk. The orchestration layer forwards nothing from it.
type TTSMessageEvent struct {
	MessageID string
	Audio     string
}

// TTSMessageEndEvent closes an audio stream.
type TTSMessageEndEvent struct {
	MessageID string
}

// WorkflowStartedEvent marks the start of an upstream workflow run.
type WorkflowStartedEvent struct {
	WorkflowRunID string
	WorkflowID    string
	StartedAt     time.Time
}

// WorkflowFinishedEvent marks the end of a workflow run.
type WorkflowFinishedEvent struct {
	WorkflowRunID string
	Status        RunStatus
	Outputs       map[string]any
	Error         string
}

// NodeStartedEvent marks the start of a workflow node.
type NodeStartedEvent struct {
	WorkflowRunID string
	NodeID        string
	NodeType      string
	Title         string
}

// NodeFinishedEvent marks the end of a workflow node.
type NodeFinishedEvent struct {
	WorkflowRunID string
	NodeID        string
	NodeType      string
	Title         string
	Status        RunStatus
	Outputs       map[string]any
	Error         string
}

// ErrorEvent is an in-band failure. It always propagates downstream.
type ErrorEvent struct {
	Code    string
	Message string
	Status  int
}

// ProgressEvent is a coarse progress stage synthesised by the orchestrator.
type ProgressEvent struct {
	Stage   string
	Message string
	Percent int
}

// ResultEvent carries the final set of generated test cases.
type ResultEvent struct {
	TestCases []TestCase
	Message   string
	Source    Source
}

func (MessageEvent) Type() EventType          { return EventMessage }
func (MessageEndEvent) Type() EventType       { return EventMessageEnd }
func (MessageReplaceEvent) Type() EventType   { return EventMessageReplace }
func (TTSMessageEvent) Type() EventType       { return EventTTSMessage }
func (TTSMessageEndEvent) Type() EventType    { return EventTTSMessageEnd }
func (WorkflowStartedEvent) Type() EventType  { return EventWorkflowStarted }
func (WorkflowFinishedEvent) Type() EventType { return EventWorkflowFinished }
func (NodeStartedEvent) Type() EventType      { return EventNodeStarted }
func (NodeFinishedEvent) Type() EventType     { return EventNodeFinished }
func (ErrorEvent) Type() EventType            { return EventError }
func (ProgressEvent) Type() EventType         { return EventProgress }
func (ResultEvent) Type() EventType           { return EventResult }

func (MessageEvent) streamEvent()          {}
func (MessageEndEvent) streamEvent()       {}
func (MessageReplaceEvent) streamEvent()   {}
func (TTSMessageEvent) streamEvent()       {}
func (TTSMessageEndEvent) streamEvent()    {}
func (WorkflowStartedEvent) streamEvent()  {}
func (WorkflowFinishedEvent) streamEvent() {}
func (NodeStartedEvent) streamEvent()      {}
func (NodeFinishedEvent) streamEvent()     {}
func (ErrorEvent) streamEvent()            {}
func (ProgressEvent) streamEvent()         {}
func (ResultEvent) streamEvent()           {}
