package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/pkg/config"
)

// Action is what the caller should do after a failed attempt.
type Action int

const (
	// ActionRetry means try again after Decision.Delay.
	ActionRetry Action = iota
	// ActionFail means surface the error to the caller.
	ActionFail
	// ActionFallback means serve the request from the local responder.
	ActionFallback
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	case ActionFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Decision is the outcome of classifying one failure.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason domain.FallbackReason

	// ResetConversation asks the caller to clear the stored remote conversation id
	// before retrying.
	ResetConversation bool

	// SwitchToLocal asks the caller to move the process to local mode. It accompanies
	// ActionFail for authentication failures, which are configuration problems.
	SwitchToLocal bool

	Err error
}

// Policy classifies upstream failures and computes backoff delays.
type Policy struct {
	MaxRetries             int
	BaseDelay              time.Duration
	MaxDelay               time.Duration
	ExponentialBase        float64
	TimeoutConsumesAttempt bool
	ClientErrorFallback    bool

	rand   func() float64
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithJitterSource overrides the uniform [0,1) source used for jitter.
func WithJitterSource(fn func() float64) PolicyOption {
	return func(p *Policy) {
		p.rand = fn
	}
}

// WithSleep overrides how the policy waits between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) PolicyOption {
	return func(p *Policy) {
		p.sleep = fn
	}
}

// WithPolicyLogger sets the logger used for retry decisions.
func WithPolicyLogger(logger *slog.Logger) PolicyOption {
	return func(p *Policy) {
		p.logger = logger
	}
}

// NewPolicy builds a policy from configuration.
func NewPolicy(cfg config.RetryConfig, clientErrorFallback bool, opts ...PolicyOption) *Policy {
	p := &Policy{
		MaxRetries:             cfg.MaxRetries,
		BaseDelay:              cfg.BaseDelay,
		MaxDelay:               cfg.MaxDelay,
		ExponentialBase:        cfg.ExponentialBase,
		TimeoutConsumesAttempt: cfg.TimeoutConsumesAttempt,
		ClientErrorFallback:    clientErrorFallback,
		rand:                   rand.Float64,
		sleep:                  sleepContext,
		logger:                 slog.Default(),
	}
	if p.MaxRetries < 1 {
		p.MaxRetries = 1
	}
	if p.ExponentialBase < 1 {
		p.ExponentialBase = 1
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BackoffDelay returns min(MaxDelay, BaseDelay * ExponentialBase^retry) without
// jitter. retry is zero for the first retry.
func (p *Policy) BackoffDelay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(retry))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 0)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay is BackoffDelay with uniform jitter in +/-25% of the computed value.
func (p *Policy) Delay(retry int) time.Duration {
	d := p.BackoffDelay(retry)
	jitter := (p.rand()*2 - 1) * 0.25 * float64(d)
	out := time.Duration(float64(d) + jitter)
	if out < 0 {
		return 0
	}
	return out
}

// Classify decides what to do after attempt attempts have failed, the last with err.
func (p *Policy) Classify(err error, attempt int) Decision {
	kind := domain.KindOf(err)
	if kind == "" {
		switch {
		case errors.Is(err, context.Canceled):
			kind = domain.KindCanceled
		case errors.Is(err, context.DeadlineExceeded):
			kind = domain.KindTimeout
		}
	}

	d := Decision{Err: err}
	switch kind {
	case domain.KindConversationExpired:
		d.Action = ActionRetry
		d.ResetConversation = true

	case domain.KindClient:
		switch domain.StatusOf(err) {
		case http.StatusUnauthorized, http.StatusForbidden:
			d.Action = ActionFail
			d.Reason = domain.ReasonAuth
			d.SwitchToLocal = true
			return d
		case http.StatusTooManyRequests:
			d.Reason = domain.ReasonRateLimit
		default:
			d.Reason = domain.ReasonFallback
		}
		d.Action = ActionFail
		if p.ClientErrorFallback {
			d.Action = ActionFallback
		}

	case domain.KindServer, domain.KindNetwork, domain.KindTimeout, domain.KindPoolExhausted:
		d.Reason = transientReason(kind)
		if attempt < p.MaxRetries {
			d.Action = ActionRetry
			d.Delay = p.Delay(attempt - 1)
		} else {
			d.Action = ActionFallback
		}

	case domain.KindConnect:
		d.Action = ActionFallback
		d.Reason = domain.ReasonNetwork

	case domain.KindBreakerOpen:
		d.Action = ActionFallback
		d.Reason = domain.ReasonFallback

	case domain.KindDecode:
		d.Action = ActionFallback
		d.Reason = domain.ReasonServer

	default:
		// Caller cancellation and unclassified internal errors.
		d.Action = ActionFail
	}
	return d
}

func transientReason(kind domain.ErrorKind) domain.FallbackReason {
	switch kind {
	case domain.KindServer:
		return domain.ReasonServer
	case domain.KindTimeout:
		return domain.ReasonTimeout
	default:
		return domain.ReasonNetwork
	}
}

// Attempt describes one invocation inside Run.
type Attempt struct {
	// Number is 1 for the first invocation.
	Number int

	// ResetConversation is set on the invocation that follows a conversation
	// expiry; the callee must start a fresh remote conversation.
	ResetConversation bool
}

// Run invokes fn until it succeeds or the policy gives up, waiting between attempts.
// On success it returns a nil error. Otherwise the returned Decision is terminal
// (ActionFail or ActionFallback) and the error is the last failure.
//
// A conversation expiry is retried once per Run without consuming the retry budget.
// When TimeoutConsumesAttempt is false, timeouts are retried up to MaxRetries extra
// times for free.
func (p *Policy) Run(ctx context.Context, operation string, fn func(ctx context.Context, a Attempt) error) (Decision, error) {
	var (
		number       int
		free         int
		freeTimeouts int
		expiryUsed   bool
		reset        bool
	)

	for {
		number++
		err := fn(ctx, Attempt{Number: number, ResetConversation: reset})
		if err == nil {
			return Decision{}, nil
		}
		reset = false

		if ctx.Err() != nil && domain.KindOf(err) != domain.KindTimeout {
			return Decision{Action: ActionFail, Err: err}, err
		}

		d := p.Classify(err, number-free)
		if d.Action == ActionRetry && d.ResetConversation {
			if expiryUsed {
				d = Decision{Action: ActionFallback, Reason: domain.ReasonFallback, Err: err}
			} else {
				expiryUsed = true
				reset = true
				free++
			}
		}

		if d.Action != ActionRetry && domain.KindOf(err) == domain.KindTimeout &&
			!p.TimeoutConsumesAttempt && freeTimeouts < p.MaxRetries {
			freeTimeouts++
			free++
			d = Decision{Action: ActionRetry, Delay: p.Delay(number - free), Reason: domain.ReasonTimeout, Err: err}
		}

		if d.Action != ActionRetry {
			p.logger.Warn("upstream call giving up",
				slog.String("operation", operation),
				slog.Int("attempts", number),
				slog.String("action", d.Action.String()),
				slog.String("reason", string(d.Reason)),
				slog.String("error", err.Error()))
			return d, err
		}

		retriesTotal.WithLabelValues(operation).Inc()
		p.logger.Info("retrying upstream call",
			slog.String("operation", operation),
			slog.Int("attempt", number),
			slog.Duration("delay", d.Delay),
			slog.Bool("reset_conversation", d.ResetConversation),
			slog.String("error", err.Error()))

		if err := p.sleep(ctx, d.Delay); err != nil {
			cerr := domain.NewAgentError(domain.KindCanceled, "canceled while waiting to retry", err)
			return Decision{Action: ActionFail, Err: cerr}, cerr
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
