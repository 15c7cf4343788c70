// Package conversation owns caller-facing session records: identity, message
// history, the upstream conversation id and lifecycle status.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/core/ports"
)

const persistTimeout = 5 * time.Second

// Manager linearizes all mutations of a session with a per-session lock around a
// load-modify-save cycle. Every save refreshes the record's TTL.
type Manager struct {
	store  ports.SessionStore
	ttl    time.Duration
	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	records *keyedLocks
	turns   *keyedLocks
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator overrides how session and message ids are generated.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		m.newID = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a manager over store. ttl is the session timeout.
func NewManager(store ports.SessionStore, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  slog.Default(),
		records: newKeyedLocks(),
		turns:   newKeyedLocks(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StoreName reports the backing store.
func (m *Manager) StoreName() string {
	return m.store.Name()
}

// Create starts a new session with a generated id.
func (m *Manager) Create(ctx context.Context, userID string) (*domain.Session, error) {
	sess, _, err := m.Ensure(ctx, m.newID(), userID)
	return sess, err
}

// Ensure returns the session with the given id, creating it if it does not exist.
// The bool reports whether it was created.
func (m *Manager) Ensure(ctx context.Context, sessionID, userID string) (*domain.Session, bool, error) {
	if sessionID == "" {
		return nil, false, errors.New("session id is required")
	}

	unlock, err := m.records.Lock(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	sess, err := m.store.Load(ctx, sessionID)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, domain.ErrSessionNotFound) {
		return nil, false, err
	}

	now := m.now()
	sess = &domain.Session{
		SessionID:          sessionID,
		UserID:             userID,
		Messages:           []domain.ChatMessage{},
		Status:             domain.SessionActive,
		CreatedAt:          now,
		LastActivity:       now,
		RemoteSystemParams: map[string]string{},
	}
	if err := m.save(ctx, sess); err != nil {
		return nil, false, err
	}

	m.logger.Info("session created",
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
		slog.String("store", m.store.Name()))
	return sess.Clone(), true, nil
}

// Get returns a copy of the session or domain.ErrSessionNotFound.
func (m *Manager) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	return m.store.Load(ctx, sessionID)
}

// AppendMessage adds a message to the end of the history and returns it.
func (m *Manager) AppendMessage(ctx context.Context, sessionID string, role domain.Role, content string, metadata map[string]string) (domain.ChatMessage, error) {
	var msg domain.ChatMessage
	_, err := m.update(ctx, sessionID, func(s *domain.Session) error {
		msg = domain.ChatMessage{
			ID:        m.newID(),
			SessionID: sessionID,
			Role:      role,
			Content:   content,
			Timestamp: m.now(),
			Metadata:  metadata,
		}
		s.Messages = append(s.Messages, msg)
		return nil
	})
	return msg, err
}

// UpdateRemoteConversationID records the upstream conversation id. Setting the
// same id again is a no-op; setting a different one without clearing first fails
// with domain.ErrConversationAlreadySet.
func (m *Manager) UpdateRemoteConversationID(ctx context.Context, sessionID, conversationID string) error {
	_, err := m.update(ctx, sessionID, func(s *domain.Session) error {
		switch s.RemoteConversationID {
		case "", conversationID:
			s.RemoteConversationID = conversationID
			return nil
		default:
			return fmt.Errorf("%w: session %s has %s", domain.ErrConversationAlreadySet, sessionID, s.RemoteConversationID)
		}
	})
	return err
}

// ClearRemoteConversationID forgets the upstream conversation id so the next turn
// starts a new remote conversation. History and identity are kept. Idempotent.
func (m *Manager) ClearRemoteConversationID(ctx context.Context, sessionID string) error {
	_, err := m.update(ctx, sessionID, func(s *domain.Session) error {
		if s.RemoteConversationID != "" {
			m.logger.Info("remote conversation cleared",
				slog.String("session_id", sessionID),
				slog.String("conversation_id", s.RemoteConversationID))
		}
		s.RemoteConversationID = ""
		return nil
	})
	return err
}

// UpdateRemoteSystemParams merges params into the pass-through parameters sent on
// later turns.
func (m *Manager) UpdateRemoteSystemParams(ctx context.Context, sessionID string, params map[string]string) error {
	if len(params) == 0 {
		return nil
	}
	_, err := m.update(ctx, sessionID, func(s *domain.Session) error {
		if s.RemoteSystemParams == nil {
			s.RemoteSystemParams = make(map[string]string, len(params))
		}
		for k, v := range params {
			s.RemoteSystemParams[k] = v
		}
		return nil
	})
	return err
}

// SetStatus changes the lifecycle status.
func (m *Manager) SetStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid session status %q", status)
	}
	_, err := m.update(ctx, sessionID, func(s *domain.Session) error {
		s.Status = status
		return nil
	})
	return err
}

// SetFallbackPending marks whether the next generation must run locally.
func (m *Manager) SetFallbackPending(ctx context.Context, sessionID string, pending bool) error {
	_, err := m.update(ctx, sessionID, func(s *domain.Session) error {
		s.FallbackPending = pending
		return nil
	})
	return err
}

// Delete removes a session.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	unlock, err := m.records.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()
	return m.store.Delete(ctx, sessionID)
}

// ExpireStale deletes sessions whose last activity is older than maxIdle and
// returns how many were removed. A non-positive maxIdle disables it.
func (m *Manager) ExpireStale(ctx context.Context, maxIdle time.Duration) (int, error) {
	if maxIdle <= 0 {
		return 0, nil
	}

	sessions, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	cutoff := m.now().Add(-maxIdle)
	expired := 0
	for _, candidate := range sessions {
		if !candidate.LastActivity.Before(cutoff) {
			continue
		}
		removed, err := m.expireOne(ctx, candidate.SessionID, cutoff)
		if err != nil {
			return expired, err
		}
		if removed {
			expired++
		}
	}

	if expired > 0 {
		m.logger.Info("expired stale sessions", slog.Int("count", expired), slog.Duration("max_idle", maxIdle))
	}
	return expired, nil
}

func (m *Manager) expireOne(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	unlock, err := m.records.Lock(ctx, sessionID)
	if err != nil {
		return false, err
	}
	defer unlock()

	// Re-check: a turn may have touched the session since List.
	sess, err := m.store.Load(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sess.LastActivity.Before(cutoff) {
		return false, nil
	}
	return true, m.store.Delete(ctx, sessionID)
}

// LockTurn serializes whole chat turns on a session. Record-level operations stay
// available while a turn is held.
func (m *Manager) LockTurn(ctx context.Context, sessionID string) (func(), error) {
	return m.turns.Lock(ctx, sessionID)
}

// update holds the in-process lock so local callers queue without contending on
// the store; the store's Update linearizes against other processes.
func (m *Manager) update(ctx context.Context, sessionID string, fn func(*domain.Session) error) (*domain.Session, error) {
	unlock, err := m.records.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	sess, err := m.store.Update(persistCtx, sessionID, m.ttl, func(s *domain.Session) error {
		if err := fn(s); err != nil {
			return err
		}
		s.LastActivity = m.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// save detaches from the caller's cancellation so a client disconnect cannot drop
// a write that has already been decided.
func (m *Manager) save(ctx context.Context, sess *domain.Session) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := m.store.Save(persistCtx, sess, m.ttl); err != nil {
		return fmt.Errorf("save session %s: %w", sess.SessionID, err)
	}
	return nil
}
