package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	decisionAllowed  = "allowed"
	decisionDenied   = "denied"
	decisionDegraded = "degraded"
)

// Metrics are the Prometheus collectors of a Limiter.
type Metrics struct {
	decisions    *prometheus.CounterVec
	storeErrors  prometheus.Counter
	breakerState prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postmesh",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by outcome.",
		}, []string{"outcome"}),
		storeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "postmesh",
			Subsystem: "ratelimit",
			Name:      "store_errors_total",
			Help:      "Failed calls to the counter store.",
		}),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "postmesh",
			Subsystem: "ratelimit",
			Name:      "breaker_state",
			Help:      "Counter store circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
	}
}
