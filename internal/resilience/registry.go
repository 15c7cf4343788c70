package resilience

import (
	"sort"
	"sync"

	"github.com/tjfontaine/casegen-gateway/internal/pkg/config"
)

// Operation families. Each gets its own breaker so an outage of one does not trip
// the others.
const (
	OpAnalyze  = "analyze"
	OpChat     = "chat"
	OpGenerate = "generate"
)

// Registry hands out one Breaker per operation.
type Registry struct {
	settings config.BreakerConfig
	opts     []BreakerOption

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry. Breakers are created on first use.
func NewRegistry(settings config.BreakerConfig, opts ...BreakerOption) *Registry {
	return &Registry{
		settings: settings,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for operation, creating it if needed.
func (r *Registry) Get(operation string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[operation]
	if !ok {
		b = NewBreaker(operation, r.settings, r.opts...)
		r.breakers[operation] = b
	}
	return b
}

// Snapshots returns the state of every breaker, sorted by operation.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
