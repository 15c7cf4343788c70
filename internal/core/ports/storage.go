// Package ports declares the interfaces between the orchestration core and its
// collaborators: session storage, the upstream agent, and local fallback content.
package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
)

// SessionKeyPrefix is prepended to session ids to form store keys.
const SessionKeyPrefix = "session:"

// SessionKey returns the store key for a session id.
func SessionKey(sessionID string) string {
	return SessionKeyPrefix + sessionID
}

// SessionStore persists serialized session records with a time-to-live.
// Implementations: badger (TTL-native KV), sqlite (shared file), memory.
type SessionStore interface {
	// Load returns the session or domain.ErrSessionNotFound if it is absent or expired.
	Load(ctx context.Context, sessionID string) (*domain.Session, error)

	// Save writes the record and refreshes its TTL.
	Save(ctx context.Context, session *domain.Session, ttl time.Duration) error

	// Update loads the record, applies fn and saves the result with a fresh TTL as
	// one atomic step, including against other processes sharing the backend. If
	// fn returns an error nothing is written. Returns the saved record.
	Update(ctx context.Context, sessionID string, ttl time.Duration, fn func(*domain.Session) error) (*domain.Session, error)

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, sessionID string) error

	// List returns all live sessions.
	List(ctx context.Context) ([]*domain.Session, error)

	// Name identifies the backend in logs.
	Name() string

	Close() error
}
