// Package dify decodes the upstream agent's server-sent event stream into domain
// stream events and classifies its error bodies.
package dify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
)

// ErrUnknownEvent is returned by DecodeFrame for an event tag outside the known set.
var ErrUnknownEvent = errors.New("unknown event type")

// pingEvent is a keepalive the upstream sends on idle streams.
const pingEvent = "ping"

type frame struct {
	Event          string          `json:"event"`
	TaskID         string          `json:"task_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Answer         string          `json:"answer,omitempty"`
	Audio          string          `json:"audio,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	WorkflowRunID  string          `json:"workflow_run_id,omitempty"`
	Data           *frameData      `json:"data,omitempty"`

	// error frames
	Status  int    `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type frameData struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	NodeType   string         `json:"node_type,omitempty"`
	Title      string         `json:"title,omitempty"`
	Status     string         `json:"status,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  int64          `json:"created_at,omitempty"`
}

// DecodeFrame parses one JSON frame. Tags map one-to-one onto StreamEvent variants.
func DecodeFrame(data []byte) (domain.StreamEvent, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, domain.NewAgentError(domain.KindDecode, "malformed frame", err)
	}

	switch domain.EventType(f.Event) {
	case domain.EventMessage:
		return domain.MessageEvent{
			MessageID:      f.MessageID,
			ConversationID: f.ConversationID,
			Content:        f.Answer,
		}, nil

	case domain.EventMessageEnd:
		usage, metadata, err := decodeMetadata(f.Metadata)
		if err != nil {
			return nil, err
		}
		return domain.MessageEndEvent{
			MessageID:      f.MessageID,
			ConversationID: f.ConversationID,
			Usage:          usage,
			Metadata:       metadata,
		}, nil

	case domain.EventMessageReplace:
		return domain.MessageReplaceEvent{
			MessageID:      f.MessageID,
			ConversationID: f.ConversationID,
			Content:        f.Answer,
		}, nil

	case domain.EventTTSMessage:
		return domain.TTSMessageEvent{MessageID: f.MessageID, Audio: f.Audio}, nil

	case domain.EventTTSMessageEnd:
		return domain.TTSMessageEndEvent{MessageID: f.MessageID}, nil

	case domain.EventWorkflowStarted:
		d := f.data()
		ev := domain.WorkflowStartedEvent{
			WorkflowRunID: f.runID(),
			WorkflowID:    d.WorkflowID,
		}
		if d.CreatedAt > 0 {
			ev.StartedAt = time.Unix(d.CreatedAt, 0).UTC()
		}
		return ev, nil

	case domain.EventWorkflowFinished:
		d := f.data()
		return domain.WorkflowFinishedEvent{
			WorkflowRunID: f.runID(),
			Status:        runStatus(d.Status),
			Outputs:       d.Outputs,
			Error:         d.Error,
		}, nil

	case domain.EventNodeStarted:
		d := f.data()
		return domain.NodeStartedEvent{
			WorkflowRunID: f.runID(),
			NodeID:        d.NodeID,
			NodeType:      d.NodeType,
			Title:         d.Title,
		}, nil

	case domain.EventNodeFinished:
		d := f.data()
		return domain.NodeFinishedEvent{
			WorkflowRunID: f.runID(),
			NodeID:        d.NodeID,
			NodeType:      d.NodeType,
			Title:         d.Title,
			Status:        runStatus(d.Status),
			Outputs:       d.Outputs,
			Error:         d.Error,
		}, nil

	case domain.EventError:
		return domain.ErrorEvent{Code: f.Code, Message: f.Message, Status: f.Status}, nil

	case domain.EventProgress, domain.EventResult:
		// Produced locally, never by the upstream.
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}

func (f *frame) data() frameData {
	if f.Data == nil {
		return frameData{}
	}
	return *f.Data
}

func (f *frame) runID() string {
	if f.WorkflowRunID != "" {
		return f.WorkflowRunID
	}
	if f.Data != nil && f.Event == string(domain.EventWorkflowStarted) {
		return f.Data.ID
	}
	return ""
}

func decodeMetadata(raw json.RawMessage) (domain.Usage, map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return domain.Usage{}, nil, nil
	}

	var md map[string]any
	if err := json.Unmarshal(raw, &md); err != nil {
		return domain.Usage{}, nil, domain.NewAgentError(domain.KindDecode, "malformed metadata", err)
	}

	var withUsage struct {
		Usage domain.Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &withUsage); err != nil {
		return domain.Usage{}, nil, domain.NewAgentError(domain.KindDecode, "malformed usage", err)
	}
	return withUsage.Usage, md, nil
}

func runStatus(s string) domain.RunStatus {
	switch s {
	case "succeeded":
		return domain.RunSucceeded
	case "failed", "stopped", "exception":
		return domain.RunFailed
	default:
		return domain.RunRunning
	}
}
