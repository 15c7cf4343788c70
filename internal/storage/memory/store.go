// Package memory provides an in-process session store. It is used when no shared
// store is configured or the configured one cannot be opened.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/core/ports"
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

// Store keeps serialized sessions in a map. Expiry is checked lazily on read.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

var _ ports.SessionStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a new in-memory store
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Name() string { return "memory" }

func (s *Store) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	key := ports.SessionKey(sessionID)

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if s.expired(e) {
		s.mu.Lock()
		// Re-check under the write lock; a concurrent Save may have refreshed it.
		if cur, ok := s.entries[key]; ok && s.expired(cur) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, domain.ErrSessionNotFound
	}

	var sess domain.Session
	if err := json.Unmarshal(e.data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &sess, nil
}

func (s *Store) Save(ctx context.Context, session *domain.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.SessionID, err)
	}

	e := entry{data: data}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[ports.SessionKey(session.SessionID)] = e
	s.mu.Unlock()
	return nil
}

func (s *Store) Update(ctx context.Context, sessionID string, ttl time.Duration, fn func(*domain.Session) error) (*domain.Session, error) {
	key := ports.SessionKey(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || s.expired(e) {
		delete(s.entries, key)
		return nil, domain.ErrSessionNotFound
	}

	var sess domain.Session
	if err := json.Unmarshal(e.data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	if err := fn(&sess); err != nil {
		return nil, err
	}

	data, err := json.Marshal(&sess)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", sessionID, err)
	}
	next := entry{data: data}
	if ttl > 0 {
		next.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = next
	return &sess, nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.entries, ports.SessionKey(sessionID))
	s.mu.Unlock()
	return nil
}

func (s *Store) List(ctx context.Context) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Session, 0, len(s.entries))
	for key, e := range s.entries {
		if !strings.HasPrefix(key, ports.SessionKeyPrefix) || s.expired(e) {
			continue
		}
		var sess domain.Session
		if err := json.Unmarshal(e.data, &sess); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		result = append(result, &sess)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}
