package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
)

var (
	// breakerStateGauge reports 0 closed, 1 open, 2 half-open per operation.
	breakerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "casegen_breaker_state",
		Help: "Circuit breaker state by operation (0 closed, 1 open, 2 half-open)",
	}, []string{"operation"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casegen_breaker_transitions_total",
		Help: "Circuit breaker state transitions by operation",
	}, []string{"operation", "from", "to"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casegen_retries_total",
		Help: "Upstream call retries by operation",
	}, []string{"operation"})

	fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casegen_fallbacks_total",
		Help: "Fallbacks to the local responder by operation and reason",
	}, []string{"operation", "reason"})
)

// RecordFallback counts a switch to the local responder.
func RecordFallback(operation string, reason domain.FallbackReason) {
	fallbacksTotal.WithLabelValues(operation, string(reason)).Inc()
}
