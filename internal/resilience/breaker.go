// Package resilience guards upstream calls with a retry policy and per-operation
// circuit breakers.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/pkg/config"
)

// State is a circuit breaker state.
type State int

const (
	// StateClosed passes calls through.
	StateClosed State = iota
	// StateOpen rejects calls until the timeout elapses.
	StateOpen
	// StateHalfOpen lets probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of a breaker's counters.
type Snapshot struct {
	Operation    string    `json:"operation"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	LastFailure  time.Time `json:"last_failure,omitzero"`
}

// Breaker is a three-state circuit breaker for one operation family.
//
// OPEN becomes HALF_OPEN lazily: the first Allow after the timeout has elapsed
// since the last failure performs the transition. There is no background timer.
// Safe for concurrent use.
type Breaker struct {
	operation string
	settings  config.BreakerConfig
	now       func() time.Time
	logger    *slog.Logger

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithBreakerLogger sets the logger used for state transitions.
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// NewBreaker creates a closed breaker for operation.
func NewBreaker(operation string, settings config.BreakerConfig, opts ...BreakerOption) *Breaker {
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = 1
	}
	if settings.SuccessThreshold < 1 {
		settings.SuccessThreshold = 1
	}
	b := &Breaker{
		operation: operation,
		settings:  settings,
		now:       time.Now,
		logger:    slog.Default(),
		state:     StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	breakerStateGauge.WithLabelValues(operation).Set(float64(StateClosed))
	return b
}

// Operation returns the operation family this breaker guards.
func (b *Breaker) Operation() string {
	return b.operation
}

// State returns the current state, applying a pending OPEN to HALF_OPEN transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return Snapshot{
		Operation:    b.operation,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		LastFailure:  b.lastFailure,
	}
}

// Allow reports whether a call may proceed. A rejected call gets an error that
// matches domain.ErrBreakerOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	if b.state == StateOpen {
		return &domain.AgentError{
			Kind:    domain.KindBreakerOpen,
			Message: fmt.Sprintf("circuit breaker %q is open", b.operation),
		}
	}
	return nil
}

// Record registers the outcome of a call that Allow admitted.
//
// A nil error and upstream 4xx responses count as success since the upstream
// answered. Caller cancellation counts as neither unless CountCancellation is set.
func (b *Breaker) Record(err error) {
	switch {
	case err == nil:
		b.onSuccess()
	case isCancellation(err):
		if b.settings.CountCancellation {
			b.onFailure()
		}
	case isUpstreamAnswer(err):
		b.onSuccess()
	default:
		b.onFailure()
	}
}

// Call runs fn if the breaker allows it and records the outcome. The error from fn
// is returned unchanged. A failure after ctx has ended is recorded as a
// cancellation.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(CallerOutcome(ctx, err))
	return err
}

// Execute is Call for functions that return a value.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.Record(CallerOutcome(ctx, err))
	if err != nil {
		return zero, err
	}
	return v, nil
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.settings.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.settings.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	case StateOpen:
		// A call admitted before the breaker opened finished late.
	}
}

// maybeHalfOpen must be called with mu held.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) > b.settings.Timeout {
		b.transitionTo(StateHalfOpen)
	}
}

// transitionTo must be called with mu held.
func (b *Breaker) transitionTo(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successCount = 0
	if to == StateClosed {
		b.failureCount = 0
	}

	breakerStateGauge.WithLabelValues(b.operation).Set(float64(to))
	breakerTransitions.WithLabelValues(b.operation, from.String(), to.String()).Inc()

	b.logger.Info("circuit breaker state change",
		slog.String("operation", b.operation),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("failure_count", b.failureCount))
}

// CallerOutcome returns err as seen by a breaker: once the caller's ctx has ended
// (canceled or past its deadline) any failure is a cancellation.
func CallerOutcome(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil || isCancellation(err) {
		return err
	}
	return domain.NewAgentError(domain.KindCanceled, "call ended by caller", err)
}

// isCancellation treats a bare context error as the caller's. The client's own
// deadline arrives as a KindTimeout AgentError instead.
func isCancellation(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindCanceled:
		return true
	case "":
		return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	}
	return errors.Is(err, context.Canceled)
}

func isUpstreamAnswer(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindClient, domain.KindConversationExpired:
		return true
	}
	return false
}
