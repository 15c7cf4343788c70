// Package mode holds the choice between the local synthetic responder and the
// remote agent. It performs no retries; it is consulted by the orchestrator.
package mode

import (
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/pkg/config"
)

// Settings is the static configuration the selector starts from.
type Settings struct {
	Mode        domain.Mode
	AllowRemote bool
	Endpoint    string
	APIKey      string
}

// SettingsFromConfig derives selector settings from the agent configuration.
// Remote mode requires mock mode off, remote allowed and an endpoint.
func SettingsFromConfig(cfg config.AgentConfig) Settings {
	s := Settings{
		Mode:        domain.ModeLocal,
		AllowRemote: cfg.AllowRemote && cfg.BaseURL != "",
		Endpoint:    cfg.BaseURL,
		APIKey:      cfg.APIKey,
	}
	if !cfg.MockMode && s.AllowRemote {
		s.Mode = domain.ModeRemote
	}
	return s
}

// Status is a redacted snapshot for health output and audit logs.
type Status struct {
	Mode        domain.Mode           `json:"mode"`
	AllowRemote bool                  `json:"allow_remote"`
	Endpoint    string                `json:"endpoint,omitempty"`
	APIKey      string                `json:"api_key,omitempty"`
	LastReason  domain.FallbackReason `json:"last_reason,omitempty"`
	SwitchedAt  time.Time             `json:"switched_at,omitzero"`
}

// Selector is safe for concurrent use.
type Selector struct {
	logger *slog.Logger
	now    func() time.Time

	// request-scoped selectors never return to remote once switched local
	oneWay bool

	mu         sync.RWMutex
	settings   Settings
	mode       domain.Mode
	lastReason domain.FallbackReason
	switchedAt time.Time
}

// Option configures a Selector.
type Option func(*Selector)

// WithLogger sets the audit logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) {
		s.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) {
		s.now = now
	}
}

// New creates a selector in the configured initial mode.
func New(settings Settings, opts ...Option) *Selector {
	s := &Selector{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.apply(settings)
	return s
}

// Fork returns a request-scoped copy. Switching the fork to local does not
// affect the parent and cannot be undone for the rest of the request.
func (s *Selector) Fork() *Selector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Selector{
		logger:     s.logger,
		now:        s.now,
		oneWay:     true,
		settings:   s.settings,
		mode:       s.mode,
		lastReason: s.lastReason,
		switchedAt: s.switchedAt,
	}
}

// Mode returns the current mode.
func (s *Selector) Mode() domain.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// IsRemote reports whether the remote handler is selected.
func (s *Selector) IsRemote() bool {
	return s.Mode() == domain.ModeRemote
}

// SwitchToLocal selects the local handler and writes an audit record. It reports
// whether the mode changed.
func (s *Selector) SwitchToLocal(reason domain.FallbackReason, detail string) bool {
	s.mu.Lock()
	changed := s.mode != domain.ModeLocal
	s.mode = domain.ModeLocal
	s.lastReason = reason
	s.switchedAt = s.now()
	status := s.statusLocked()
	s.mu.Unlock()

	if changed {
		s.audit("switched to local mode", status, detail)
	}
	return changed
}

// SwitchToRemote selects the remote handler if configuration allows it. Otherwise,
// or on a request-scoped selector that already fell back, it is a no-op.
func (s *Selector) SwitchToRemote() bool {
	s.mu.Lock()
	if !s.settings.AllowRemote {
		s.mu.Unlock()
		s.logger.Warn("remote mode is not allowed by configuration, staying local")
		return false
	}
	if s.oneWay && s.mode == domain.ModeLocal {
		s.mu.Unlock()
		return false
	}
	changed := s.mode != domain.ModeRemote
	s.mode = domain.ModeRemote
	s.lastReason = ""
	s.switchedAt = s.now()
	status := s.statusLocked()
	s.mu.Unlock()

	if changed {
		s.audit("switched to remote mode", status, "")
	}
	return changed
}

// Reconfigure replaces the static settings and resets the mode to the configured
// initial one. This is the only way out of a sticky local fallback.
func (s *Selector) Reconfigure(settings Settings) {
	s.apply(settings)
	s.audit("mode reconfigured", s.Status(), "")
}

// Status returns a redacted snapshot.
func (s *Selector) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked()
}

func (s *Selector) apply(settings Settings) {
	if settings.Mode == domain.ModeRemote && !settings.AllowRemote {
		settings.Mode = domain.ModeLocal
	}
	if settings.Mode == "" {
		settings.Mode = domain.ModeLocal
	}

	s.mu.Lock()
	s.settings = settings
	s.mode = settings.Mode
	s.lastReason = ""
	s.switchedAt = s.now()
	s.mu.Unlock()
}

func (s *Selector) statusLocked() Status {
	return Status{
		Mode:        s.mode,
		AllowRemote: s.settings.AllowRemote,
		Endpoint:    RedactURL(s.settings.Endpoint),
		APIKey:      MaskSecret(s.settings.APIKey),
		LastReason:  s.lastReason,
		SwitchedAt:  s.switchedAt,
	}
}

func (s *Selector) audit(msg string, st Status, detail string) {
	attrs := []any{
		slog.String("mode", string(st.Mode)),
		slog.String("reason", string(st.LastReason)),
		slog.String("endpoint", st.Endpoint),
		slog.String("api_key", st.APIKey),
		slog.Bool("allow_remote", st.AllowRemote),
		slog.Bool("request_scoped", s.oneWay),
	}
	if detail != "" {
		attrs = append(attrs, slog.String("detail", detail))
	}
	s.logger.Info(msg, attrs...)
}

// RedactURL strips credentials and query parameters from an endpoint URL.
func RedactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "[invalid url]"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// MaskSecret keeps only enough of a secret to tell keys apart.
func MaskSecret(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return "****"
	default:
		return secret[:4] + "****" + secret[len(secret)-4:]
	}
}
