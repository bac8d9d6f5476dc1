// Package relay exposes Prometheus instrumentation for the relay's
// connection and routing activity.
package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "driftchat"

// Metrics holds the Prometheus collectors for the relay.
type Metrics struct {
	activeConnections prometheus.Gauge
	messages          *prometheus.CounterVec
	rateLimited       prometheus.Counter
	broadcastFailures prometheus.Counter
	evictions         prometheus.Counter
}

// NewMetrics registers the relay's collectors with the given registerer.
// Tests pass a fresh registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Number of currently registered device sessions.",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Accepted chat messages by routing kind.",
		}, []string{"kind"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "Messages rejected by the per-device rate gate.",
		}),
		broadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_failures_total",
			Help:      "Recipients dropped after failed broadcast delivery.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Sessions displaced by a newer registration for the same device.",
		}),
	}
}
