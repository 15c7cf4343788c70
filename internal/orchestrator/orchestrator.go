// Package orchestrator composes the session manager, the upstream client, the
// resilience policy and the local responder into the three public operations:
// file analysis, chat and streaming generation.
//
// Remote calls run inside a per-operation circuit breaker and the retry policy.
// Transient failures that exhaust the policy are answered locally; only client
// errors and caller cancellation reach the caller as errors.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/tjfontaine/casegen-gateway/internal/conversation"
	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/core/ports"
	"github.com/tjfontaine/casegen-gateway/internal/mode"
	"github.com/tjfontaine/casegen-gateway/internal/resilience"
)

const eventBufferSize = 16

// readySignals in an upstream answer mean the agent is ready to generate.
var readySignals = []string{"开始生成", "ready to generate"}

// Deps are the collaborators of an Orchestrator. Client may be nil when remote
// mode is never enabled.
type Deps struct {
	Sessions *conversation.Manager
	Client   ports.AgentClient
	Local    ports.LocalResponder
	Selector *mode.Selector
	Policy   *resilience.Policy
	Breakers *resilience.Registry

	// Triggers are user phrases that mark a chat turn ready to generate.
	Triggers []string
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	sessions *conversation.Manager
	client   ports.AgentClient
	local    ports.LocalResponder
	selector *mode.Selector
	policy   *resilience.Policy
	breakers *resilience.Registry
	triggers []string
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("orchestrator: session manager is required")
	case deps.Local == nil:
		return nil, errors.New("orchestrator: local responder is required")
	case deps.Selector == nil:
		return nil, errors.New("orchestrator: mode selector is required")
	case deps.Policy == nil:
		return nil, errors.New("orchestrator: retry policy is required")
	case deps.Breakers == nil:
		return nil, errors.New("orchestrator: breaker registry is required")
	}

	o := &Orchestrator{
		sessions: deps.Sessions,
		client:   deps.Client,
		local:    deps.Local,
		selector: deps.Selector,
		policy:   deps.Policy,
		breakers: deps.Breakers,
		triggers: deps.Triggers,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Sessions exposes the session manager for read access by the transport layer.
func (o *Orchestrator) Sessions() *conversation.Manager {
	return o.sessions
}

// Selector returns the process-wide mode selector.
func (o *Orchestrator) Selector() *mode.Selector {
	return o.selector
}

// Breakers returns the breaker registry.
func (o *Orchestrator) Breakers() *resilience.Registry {
	return o.breakers
}

// Ping probes the upstream. It returns nil without a network call in local mode.
func (o *Orchestrator) Ping(ctx context.Context) error {
	if o.client == nil || !o.selector.IsRemote() {
		return nil
	}
	return o.client.Ping(ctx)
}

// Close releases pooled upstream connections. It is safe to call more than once.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		if o.client != nil {
			o.closeErr = o.client.Close()
		}
	})
	return o.closeErr
}

// request returns a request-scoped selector. Remote is only attempted when a
// client is configured.
func (o *Orchestrator) request() *mode.Selector {
	sel := o.selector.Fork()
	if o.client == nil && sel.IsRemote() {
		sel.SwitchToLocal(domain.ReasonManual, "no upstream client configured")
	}
	return sel
}

// fallback handles a terminal decision from the retry policy. It reports whether
// the caller should be answered locally; otherwise err must be returned as is.
func (o *Orchestrator) fallback(sel *mode.Selector, operation string, d resilience.Decision, err error) bool {
	if d.SwitchToLocal {
		o.selector.SwitchToLocal(d.Reason, err.Error())
	}
	if d.Action != resilience.ActionFallback {
		return false
	}
	resilience.RecordFallback(operation, d.Reason)
	sel.SwitchToLocal(d.Reason, err.Error())
	o.logger.Warn("answering locally after upstream failure",
		slog.String("operation", operation),
		slog.String("reason", string(d.Reason)),
		slog.String("error", err.Error()))
	return true
}

func (o *Orchestrator) isTrigger(message string) bool {
	lower := strings.ToLower(message)
	for _, p := range o.triggers {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func upstreamReady(answer string, metadata map[string]any) bool {
	if v, ok := metadata["ready_to_generate"].(bool); ok && v {
		return true
	}
	lower := strings.ToLower(answer)
	for _, s := range readySignals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func userFor(sess *domain.Session) string {
	if sess.UserID != "" {
		return sess.UserID
	}
	return "user_" + sess.SessionID
}

// mergeInputs layers caller inputs over the session's remote system params.
func mergeInputs(params map[string]string, inputs map[string]any) map[string]any {
	out := make(map[string]any, len(params)+len(inputs))
	for k, v := range params {
		out[k] = v
	}
	for k, v := range inputs {
		out[k] = v
	}
	return out
}

// systemParams extracts upstream pass-through parameters from reply metadata.
func systemParams(metadata map[string]any) map[string]string {
	raw, ok := metadata["system_params"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
