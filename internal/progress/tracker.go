// Package progress turns upstream workflow and node events into a monotonic
// percentage per workflow run.
package progress

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
)

const (
	startPercent   = 10
	nodeSpan       = 80
	runningCeiling = 90
	donePercent    = 100
)

// Stage labels reported in WorkflowProgress.Stage.
const (
	StageStarted   = "workflow_started"
	StageSucceeded = "completed"
	StageFailed    = "failed"
)

// Listener is notified after every update. A returned error or panic is logged and
// does not affect the update.
type Listener func(domain.WorkflowProgress) error

// Tracker owns WorkflowProgress records keyed by workflow run id. Updates to one
// run are serialized; different runs proceed independently.
type Tracker struct {
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu   sync.RWMutex
	runs map[string]*run

	listenersMu sync.RWMutex
	listeners   []Listener
}

type run struct {
	mu sync.Mutex
	p  domain.WorkflowProgress
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates a tracker. Terminal runs older than retention are removed by Sweep.
func NewTracker(retention time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		retention: retention,
		now:       time.Now,
		logger:    slog.Default(),
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddListener registers fn for every subsequent update.
func (t *Tracker) AddListener(fn Listener) {
	t.listenersMu.Lock()
	t.listeners = append(t.listeners, fn)
	t.listenersMu.Unlock()
}

// Observe routes a decoded stream event to the matching update. Events that carry
// no workflow information are ignored.
func (t *Tracker) Observe(ev domain.StreamEvent) {
	switch e := ev.(type) {
	case domain.WorkflowStartedEvent:
		t.StartWorkflow(e)
	case domain.WorkflowFinishedEvent:
		t.FinishWorkflow(e)
	case domain.NodeStartedEvent:
		t.StartNode(e)
	case domain.NodeFinishedEvent:
		t.FinishNode(e)
	case domain.MessageEvent, domain.MessageEndEvent, domain.MessageReplaceEvent,
		domain.TTSMessageEvent, domain.TTSMessageEndEvent, domain.ErrorEvent,
		domain.ProgressEvent, domain.ResultEvent:
	}
}

// StartWorkflow begins tracking a run at 10%.
func (t *Tracker) StartWorkflow(ev domain.WorkflowStartedEvent) {
	t.update(ev.WorkflowRunID, func(p *domain.WorkflowProgress) {
		if !ev.StartedAt.IsZero() {
			p.StartedAt = ev.StartedAt
		}
		if p.Progress < startPercent {
			p.Progress = startPercent
		}
		if p.Stage == "" {
			p.Stage = StageStarted
		}
	})
}

// StartNode records a node as running. A node seen for the first time grows
// TotalNodes; progress is not recomputed so it never drops.
func (t *Tracker) StartNode(ev domain.NodeStartedEvent) {
	t.update(ev.WorkflowRunID, func(p *domain.WorkflowProgress) {
		n, seen := p.Nodes[ev.NodeID]
		if !seen {
			p.TotalNodes++
			n = domain.NodeProgress{NodeID: ev.NodeID, StartedAt: t.now()}
		}
		n.NodeType = ev.NodeType
		n.Title = ev.Title
		n.Status = domain.RunRunning
		p.Nodes[ev.NodeID] = n
		p.Stage = nodeStage(ev.Title, ev.NodeType)
	})
}

// FinishNode records a node's outcome and advances progress to
// 10 + completed/total*80, capped at 90 while running.
func (t *Tracker) FinishNode(ev domain.NodeFinishedEvent) {
	t.update(ev.WorkflowRunID, func(p *domain.WorkflowProgress) {
		n, seen := p.Nodes[ev.NodeID]
		if !seen {
			p.TotalNodes++
			n = domain.NodeProgress{NodeID: ev.NodeID, StartedAt: t.now()}
		}
		wasDone := n.Status.Terminal()

		if ev.NodeType != "" {
			n.NodeType = ev.NodeType
		}
		if ev.Title != "" {
			n.Title = ev.Title
		}
		n.Status = ev.Status
		if !n.Status.Terminal() {
			n.Status = domain.RunSucceeded
		}
		n.FinishedAt = t.now()
		n.Outputs = ev.Outputs
		n.Error = ev.Error
		p.Nodes[ev.NodeID] = n

		if !wasDone {
			p.CompletedNodes++
		}
		if p.Status == domain.RunRunning {
			p.Progress = max(p.Progress, estimate(p.CompletedNodes, p.TotalNodes))
		}
	})
}

// FinishWorkflow marks the run terminal. Success sets 100%; failure keeps the
// last value.
func (t *Tracker) FinishWorkflow(ev domain.WorkflowFinishedEvent) {
	t.update(ev.WorkflowRunID, func(p *domain.WorkflowProgress) {
		status := ev.Status
		if !status.Terminal() {
			status = domain.RunSucceeded
		}
		p.Status = status
		p.FinishedAt = t.now()
		if status == domain.RunSucceeded {
			p.Progress = donePercent
			p.Stage = StageSucceeded
		} else {
			p.Stage = StageFailed
		}
	})
}

// Get returns a copy of the run's progress.
func (t *Tracker) Get(runID string) (domain.WorkflowProgress, bool) {
	t.mu.RLock()
	r, ok := t.runs[runID]
	t.mu.RUnlock()
	if !ok {
		return domain.WorkflowProgress{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.p), true
}

// Sweep removes terminal runs that finished more than the retention period ago
// and returns how many were removed.
func (t *Tracker) Sweep() int {
	cutoff := t.now().Add(-t.retention)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, r := range t.runs {
		r.mu.Lock()
		stale := r.p.Status.Terminal() && r.p.FinishedAt.Before(cutoff)
		r.mu.Unlock()
		if stale {
			delete(t.runs, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked runs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.runs)
}

func (t *Tracker) update(runID string, fn func(*domain.WorkflowProgress)) {
	if runID == "" {
		return
	}

	r := t.getOrCreate(runID)

	r.mu.Lock()
	if r.p.Status.Terminal() {
		// Late events for a finished run are ignored.
		r.mu.Unlock()
		return
	}
	fn(&r.p)
	snap := snapshot(r.p)
	r.mu.Unlock()

	t.notify(snap)
}

func (t *Tracker) getOrCreate(runID string) *run {
	t.mu.RLock()
	r, ok := t.runs[runID]
	t.mu.RUnlock()
	if ok {
		return r
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[runID]; ok {
		return r
	}
	r = &run{p: domain.WorkflowProgress{
		WorkflowRunID: runID,
		Status:        domain.RunRunning,
		Progress:      startPercent,
		Stage:         StageStarted,
		Nodes:         make(map[string]domain.NodeProgress),
		StartedAt:     t.now(),
	}}
	t.runs[runID] = r
	return r
}

func (t *Tracker) notify(p domain.WorkflowProgress) {
	t.listenersMu.RLock()
	listeners := t.listeners
	t.listenersMu.RUnlock()

	for i, fn := range listeners {
		if err := safeCall(fn, p); err != nil {
			t.logger.Warn("progress listener failed",
				slog.Int("listener", i),
				slog.String("workflow_run_id", p.WorkflowRunID),
				slog.String("error", err.Error()))
		}
	}
}

func safeCall(fn Listener, p domain.WorkflowProgress) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(p)
}

func estimate(completed, total int) int {
	if total <= 0 {
		return startPercent
	}
	v := startPercent + completed*nodeSpan/total
	return min(v, runningCeiling)
}

func nodeStage(title, nodeType string) string {
	if title != "" {
		return title
	}
	return nodeType
}

func snapshot(p domain.WorkflowProgress) domain.WorkflowProgress {
	nodes := make(map[string]domain.NodeProgress, len(p.Nodes))
	for k, v := range p.Nodes {
		nodes[k] = v
	}
	p.Nodes = nodes
	return p
}
