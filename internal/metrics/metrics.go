// Package metrics holds the Prometheus collectors shared by warden components.
//
// A nil *Metrics is valid and records nothing, so components take one
// through an option without requiring it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

// Metrics groups the warden collectors.
type Metrics struct {
	registry *prometheus.Registry

	GateRejections    *prometheus.CounterVec
	Resolves          *prometheus.CounterVec
	BrokerDecisions   *prometheus.CounterVec
	BrokerRestarts    prometheus.Counter
	LifecycleFailures *prometheus.CounterVec
	PluginsEnabled    prometheus.Gauge
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		GateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_rejections_total",
			Help:      "Units rejected by the static gate, by reference.",
		}, []string{"reference"}),
		Resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loader_resolves_total",
			Help:      "Unit resolutions by origin or failure outcome.",
		}, []string{"outcome"}),
		BrokerDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_decisions_total",
			Help:      "Privilege broker decisions by message type and how they were reached.",
		}, []string{"type", "outcome"}),
		BrokerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_restarts_total",
			Help:      "Times the broker process was restarted after a failure.",
		}),
		LifecycleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_failures_total",
			Help:      "Plugin lifecycle failures by phase and error category.",
		}, []string{"phase", "category"}),
		PluginsEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugins_enabled",
			Help:      "Plugins currently enabled.",
		}),
	}
	m.registry.MustRegister(
		m.GateRejections,
		m.Resolves,
		m.BrokerDecisions,
		m.BrokerRestarts,
		m.LifecycleFailures,
		m.PluginsEnabled,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GateRejected counts a gate rejection.
func (m *Metrics) GateRejected(reference string) {
	if m == nil {
		return
	}
	m.GateRejections.WithLabelValues(reference).Inc()
}

// Resolved counts a resolution outcome.
func (m *Metrics) Resolved(outcome string) {
	if m == nil {
		return
	}
	m.Resolves.WithLabelValues(outcome).Inc()
}

// Decided counts a broker decision.
func (m *Metrics) Decided(kind, outcome string) {
	if m == nil {
		return
	}
	m.BrokerDecisions.WithLabelValues(kind, outcome).Inc()
}

// Restarted counts a broker restart.
func (m *Metrics) Restarted() {
	if m == nil {
		return
	}
	m.BrokerRestarts.Inc()
}

// Failed counts a lifecycle failure.
func (m *Metrics) Failed(phase, category string) {
	if m == nil {
		return
	}
	m.LifecycleFailures.WithLabelValues(phase, category).Inc()
}

// SetEnabled records the number of enabled plugins.
func (m *Metrics) SetEnabled(n int) {
	if m == nil {
		return
	}
	m.PluginsEnabled.Set(float64(n))
}
