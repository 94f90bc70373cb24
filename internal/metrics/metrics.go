// Package metrics exposes Prometheus counters for the runner engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's counters on a private registry so multiple
// engines (and tests) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived *prometheus.CounterVec
	OperationsSent   *prometheus.CounterVec
	Unroutable       prometheus.Counter
	Faults           prometheus.Counter
}

// New creates a metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outpost_messages_received_total",
			Help: "Inbound wire messages by kind.",
		}, []string{"kind"}),
		OperationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outpost_operations_sent_total",
			Help: "Find/run requests sent to the worker.",
		}, []string{"kind"}),
		Unroutable: factory.NewCounter(prometheus.CounterOpts{
			Name: "outpost_unroutable_messages_total",
			Help: "Messages whose token matched no pending operation.",
		}),
		Faults: factory.NewCounter(prometheus.CounterOpts{
			Name: "outpost_engine_faults_total",
			Help: "Connection-fatal protocol or transport failures.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
