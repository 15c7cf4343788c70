package domain

import "time"

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionPaused, SessionCompleted:
		return true
	}
	return false
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// ChatMessage is a single turn entry. It is never modified after creation.
type ChatMessage struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Session is the bookkeeping record for one caller-facing conversation.
//
// RemoteConversationID is assigned by the upstream on the first turn and is set at
// most once unless cleared during expiry recovery. Messages are append-only.
type Session struct {
	SessionID            string            `json:"session_id"`
	UserID               string            `json:"user_id,omitempty"`
	RemoteConversationID string            `json:"remote_conversation_id,omitempty"`
	Messages             []ChatMessage     `json:"messages"`
	Status               SessionStatus     `json:"status"`
	CreatedAt            time.Time         `json:"created_at"`
	LastActivity         time.Time         `json:"last_activity"`
	RemoteSystemParams   map[string]string `json:"remote_system_params,omitempty"`

	// FallbackPending is set when a remote generation stream failed part way. The next
	// generation for this session is produced locally.
	FallbackPending bool `json:"fallback_pending,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]ChatMessage, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m
		if m.Metadata != nil {
			md := make(map[string]string, len(m.Metadata))
			for k, v := range m.Metadata {
				md[k] = v
			}
			out.Messages[i].Metadata = md
		}
	}
	if s.RemoteSystemParams != nil {
		out.RemoteSystemParams = make(map[string]string, len(s.RemoteSystemParams))
		for k, v := range s.RemoteSystemParams {
			out.RemoteSystemParams[k] = v
		}
	}
	return &out
}

// UserTurns counts the messages authored by the user.
func (s *Session) UserTurns() int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}
