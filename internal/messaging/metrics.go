package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes.
const (
	outcomeAck        = "ack"
	outcomeRequeue    = "requeue"
	outcomeDeadLetter = "dead_letter"
)

// Metrics are the Prometheus collectors of a Conn.
type Metrics struct {
	state      prometheus.Gauge
	reconnects prometheus.Counter
	rebinds    prometheus.Counter
	published  *prometheus.CounterVec
	deliveries *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		state: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "postmesh",
			Subsystem: "broker",
			Name:      "state",
			Help:      "Broker connection state (0 disconnected, 1 connecting, 2 connected, 3 closed).",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "postmesh",
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Successful reconnections after a transport failure.",
		}),
		rebinds: f.NewCounter(prometheus.CounterOpts{
			Namespace: "postmesh",
			Subsystem: "broker",
			Name:      "rebinds_total",
			Help:      "Consumers rebound after their channel closed on a live connection.",
		}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postmesh",
			Subsystem: "broker",
			Name:      "published_total",
			Help:      "Publish attempts by topic and result.",
		}, []string{"topic", "result"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postmesh",
			Subsystem: "broker",
			Name:      "deliveries_total",
			Help:      "Consumed deliveries by topic and acknowledgement outcome.",
		}, []string{"topic", "outcome"}),
	}
}
