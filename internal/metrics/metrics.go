// Package metrics holds the collector's Prometheus instrumentation: decode
// failures, device state transitions, read timeouts and export outcomes are
// counted here so observability does not depend on log formatting.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all collector-level metrics
type Metrics struct {
	StateTransitions *prometheus.CounterVec
	DecodeFailures   *prometheus.CounterVec
	ReadFailures     *prometheus.CounterVec
	ExportedPoints   prometheus.Counter
	ExportFailures   prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance with every collector metric registered on
// its own registry.
func New() *Metrics {
	m := &Metrics{
		StateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ruusti",
				Subsystem: "registry",
				Name:      "state_transitions_total",
				Help:      "Device descriptor state transitions by target state",
			},
			[]string{"device", "to"},
		),
		DecodeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ruusti",
				Subsystem: "poll",
				Name:      "decode_failures_total",
				Help:      "Payloads that failed to decode",
			},
			[]string{"device"},
		),
		ReadFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ruusti",
				Subsystem: "poll",
				Name:      "read_failures_total",
				Help:      "Per-device read failures by failure kind",
			},
			[]string{"device", "kind"},
		),
		ExportedPoints: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ruusti",
				Subsystem: "export",
				Name:      "points_total",
				Help:      "Readings successfully written to the sink",
			},
		),
		ExportFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ruusti",
				Subsystem: "export",
				Name:      "failures_total",
				Help:      "Sink writes that failed (batch dropped)",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.StateTransitions,
		m.DecodeFailures,
		m.ReadFailures,
		m.ExportedPoints,
		m.ExportFailures,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics in Prometheus format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
