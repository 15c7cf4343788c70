package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casegen_stream_events_total",
		Help: "Outward SSE frames written, by frame type.",
	}, []string{"type"})

	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "casegen_active_streams",
		Help: "Generation streams currently being relayed.",
	})
)
