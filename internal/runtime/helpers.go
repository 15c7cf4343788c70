package runtime

import (
	"log/slog"

	difyapi "github.com/tjfontaine/casegen-gateway/internal/api/dify"
	"github.com/tjfontaine/casegen-gateway/internal/bridge"
	"github.com/tjfontaine/casegen-gateway/internal/conversation"
	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/core/ports"
	"github.com/tjfontaine/casegen-gateway/internal/mode"
	"github.com/tjfontaine/casegen-gateway/internal/orchestrator"
	"github.com/tjfontaine/casegen-gateway/internal/pkg/config"
	"github.com/tjfontaine/casegen-gateway/internal/progress"
	"github.com/tjfontaine/casegen-gateway/internal/provider/local"
	"github.com/tjfontaine/casegen-gateway/internal/resilience"
	"github.com/tjfontaine/casegen-gateway/internal/tokens"
)

// components is everything built from one configuration.
type components struct {
	tracker  *progress.Tracker
	sessions *conversation.Manager
	selector *mode.Selector
	orch     *orchestrator.Orchestrator
	bridge   *bridge.Bridge
}

// buildComponents wires the orchestration graph over store. No upstream client
// is created when remote mode can never be selected.
func buildComponents(cfg *config.Config, store ports.SessionStore, logger *slog.Logger) (*components, error) {
	content, err := local.DefaultContent()
	if err != nil {
		return nil, err
	}

	tracker := progress.NewTracker(cfg.Progress.Retention, progress.WithLogger(logger))
	tracker.AddListener(logFinishedRuns(logger))
	sessions := conversation.NewManager(store, cfg.Session.Timeout, conversation.WithLogger(logger))
	selector := mode.New(mode.SettingsFromConfig(cfg.Agent), mode.WithLogger(logger))

	var client ports.AgentClient
	if cfg.RemoteEnabled() {
		client = difyapi.NewClient(cfg.Agent,
			difyapi.WithObserver(tracker),
			difyapi.WithLogger(logger))
	}

	responder := local.NewResponder(content,
		local.WithPacing(cfg.Local),
		local.WithTokenCounter(tokens.NewCounter()),
		local.WithLogger(logger))

	orch, err := orchestrator.New(orchestrator.Deps{
		Sessions: sessions,
		Client:   client,
		Local:    responder,
		Selector: selector,
		Policy:   resilience.NewPolicy(cfg.Retry, cfg.Agent.ClientErrorFallback, resilience.WithPolicyLogger(logger)),
		Breakers: resilience.NewRegistry(cfg.Breaker, resilience.WithBreakerLogger(logger)),
		Triggers: content.TriggerPhrases(),
	}, orchestrator.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	return &components{
		tracker:  tracker,
		sessions: sessions,
		selector: selector,
		orch:     orch,
		bridge:   bridge.New(bridge.WithProgress(tracker), bridge.WithLogger(logger)),
	}, nil
}

// logFinishedRuns reports each upstream workflow run when it reaches a terminal status.
func logFinishedRuns(logger *slog.Logger) progress.Listener {
	return func(p domain.WorkflowProgress) error {
		if !p.Status.Terminal() {
			return nil
		}
		attrs := []any{
			slog.String("workflow_run_id", p.WorkflowRunID),
			slog.String("status", string(p.Status)),
			slog.Int("completed_nodes", p.CompletedNodes),
			slog.Int("total_nodes", p.TotalNodes),
		}
		if !p.StartedAt.IsZero() && !p.FinishedAt.IsZero() {
			attrs = append(attrs, slog.Duration("duration", p.FinishedAt.Sub(p.StartedAt)))
		}
		if p.Status == domain.RunFailed {
			logger.Warn("workflow run failed", attrs...)
			return nil
		}
		logger.Info("workflow run finished", attrs...)
		return nil
	}
}
