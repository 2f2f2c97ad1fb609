package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK             = "ok"
	outcomeUpstream5xx    = "upstream_5xx"
	outcomeTransportError = "transport_error"
	outcomeBreakerOpen    = "breaker_open"
	outcomeUnavailable    = "unavailable"
)

// Metrics are the Prometheus collectors of a Proxy.
type Metrics struct {
	attempts *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postmesh",
			Subsystem: "gateway",
			Name:      "upstream_attempts_total",
			Help:      "Upstream attempts by service and outcome.",
		}, []string{"service", "outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "postmesh",
			Subsystem: "gateway",
			Name:      "upstream_duration_seconds",
			Help:      "Duration of upstream attempts that reached an instance.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
	}
}

func (m *Metrics) observe(service, outcome string, d time.Duration) {
	m.attempts.WithLabelValues(service, outcome).Inc()
	if d > 0 {
		m.latency.WithLabelValues(service).Observe(d.Seconds())
	}
}
