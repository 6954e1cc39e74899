// Package metrics exports handshake counters in the prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/handshake"
)

const namespace = "iab"

// Collector records handshake transitions. It owns its registry so several
// coordinators in one process (tests) do not collide.
type Collector struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	active      prometheus.Gauge
}

// New creates a collector with every metric registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_transitions_total",
			Help:      "State transitions by target state and reason.",
		}, []string{"to_state", "reason"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_outcomes_total",
			Help:      "Finished handshakes by outcome.",
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handshake_active_flows",
			Help:      "Handshakes not in IDLE.",
		}),
	}
	c.registry.MustRegister(c.transitions, c.outcomes, c.active)
	return c
}

// RecordTransition implements handshake.Recorder.
func (c *Collector) RecordTransition(t handshake.Transition) {
	c.transitions.WithLabelValues(t.To.String(), t.Reason).Inc()

	switch t.To {
	case handshake.StateSucceeded:
		c.outcomes.WithLabelValues("succeeded").Inc()
	case handshake.StateFailed:
		c.outcomes.WithLabelValues("failed").Inc()
	}

	switch {
	case t.From == handshake.StateIdle && t.To != handshake.StateIdle:
		c.active.Inc()
	case t.From != handshake.StateIdle && t.To == handshake.StateIdle:
		c.active.Dec()
	}
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry for GET /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
