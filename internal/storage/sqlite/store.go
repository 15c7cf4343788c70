// Package sqlite provides a session store backed by a SQLite file, so several
// gateway processes on one host can share sessions. Mutations go through Update,
// which holds the database write lock for the whole read-modify-write.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/core/ports"
)

// Store is a SQLite implementation of ports.SessionStore. Expiry times are stored
// as unix nanoseconds; 0 means no expiry.
type Store struct {
	db  *sql.DB
	now func() time.Time
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

// connPragmas are applied to every pooled connection; busy_timeout is per
// connection.
var connPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(dbPath)
	for _, p := range connPragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// New creates a new SQLite store
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) Name() string { return "sqlite" }

func (s *Store) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT data, expires_at FROM sessions WHERE key = ?`

	var data string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, query, ports.SessionKey(sessionID)).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if s.expired(expiresAt) {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE key = ? AND expires_at = ?`,
			ports.SessionKey(sessionID), expiresAt); err != nil {
			return nil, fmt.Errorf("failed to delete expired session: %w", err)
		}
		return nil, domain.ErrSessionNotFound
	}

	var sess domain.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *Store) Save(ctx context.Context, session *domain.Session, ttl time.Duration) error {
	return s.write(ctx, s.db, session, ttl)
}

// Update runs the read-modify-write inside a BEGIN IMMEDIATE transaction, which
// takes the database write lock up front. Writers in other processes wait on
// busy_timeout instead of interleaving with this one.
func (s *Store) Update(ctx context.Context, sessionID string, ttl time.Duration, fn func(*domain.Session) error) (*domain.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	var data string
	var expiresAt int64
	err = conn.QueryRowContext(ctx, `SELECT data, expires_at FROM sessions WHERE key = ?`,
		ports.SessionKey(sessionID)).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && s.expired(expiresAt)) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess domain.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if err := fn(&sess); err != nil {
		return nil, err
	}
	if err := s.write(ctx, conn, &sess, ttl); err != nil {
		return nil, err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}
	committed = true
	return &sess, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) write(ctx context.Context, db execer, session *domain.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	now := s.now()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixNano()
	}

	query := `INSERT INTO sessions (key, data, expires_at, updated_at)
	          VALUES (?, ?, ?, ?)
	          ON CONFLICT(key) DO UPDATE SET
	            data = excluded.data,
	            expires_at = excluded.expires_at,
	            updated_at = excluded.updated_at`

	if _, err := db.ExecContext(ctx, query,
		ports.SessionKey(session.SessionID), string(data), expiresAt, now.UnixNano()); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, ports.SessionKey(sessionID)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*domain.Session, error) {
	query := `SELECT data FROM sessions
	          WHERE key LIKE ? AND (expires_at = 0 OR expires_at > ?)
	          ORDER BY updated_at ASC`

	rows, err := s.db.QueryContext(ctx, query, ports.SessionKeyPrefix+"%", s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		var sess domain.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session: %w", err)
		}
		sessions = append(sessions, &sess)
	}

	return sessions, rows.Err()
}

// DeleteExpired removes every expired row and returns how many were removed.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at != 0 AND expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) expired(expiresAt int64) bool {
	return expiresAt != 0 && s.now().UnixNano() >= expiresAt
}
