// Package metrics exposes Prometheus collectors for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "omnisci"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so callers never branch on whether metrics
// are enabled.
type Metrics struct {
	registry *prometheus.Registry

	// ActiveSessions tracks currently connected sessions.
	ActiveSessions prometheus.Gauge

	// ConnectsTotal counts connection attempts by outcome.
	ConnectsTotal *prometheus.CounterVec

	// QueriesTotal counts executed statements by kind and outcome.
	QueriesTotal *prometheus.CounterVec

	// QueryDurationSeconds measures statement execution latency by kind.
	QueryDurationSeconds *prometheus.HistogramVec

	// AdmissionInUse tracks currently held capacity per resource pool.
	AdmissionInUse *prometheus.GaugeVec

	// AdmissionDeniedTotal counts admission rejections per resource pool.
	AdmissionDeniedTotal *prometheus.CounterVec

	// InterruptsTotal counts query interrupt requests.
	InterruptsTotal prometheus.Counter
}

// New creates the engine collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently connected sessions",
		}),

		ConnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Connection attempts by outcome",
		}, []string{"outcome"}),

		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Executed statements by kind and outcome",
		}, []string{"kind", "outcome"}),

		QueryDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Statement execution latency by kind",
			Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 2.5, 10, 60},
		}, []string{"kind"}),

		AdmissionInUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_in_use",
			Help:      "Currently held capacity per resource pool",
		}, []string{"resource"}),

		AdmissionDeniedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_denied_total",
			Help:      "Admission rejections per resource pool",
		}, []string{"resource"}),

		InterruptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Query interrupt requests",
		}),
	}
}

// Registry returns the registry backing the collectors, for the
// /metrics handler. Returns nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// RecordConnect records a connection attempt.
func (m *Metrics) RecordConnect(success bool) {
	if m == nil {
		return
	}
	m.ConnectsTotal.WithLabelValues(outcome(success)).Inc()
}

// RecordQuery records a completed statement and its latency.
func (m *Metrics) RecordQuery(kind string, success bool, seconds float64) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(kind, outcome(success)).Inc()
	m.QueryDurationSeconds.WithLabelValues(kind).Observe(seconds)
}

// SetAdmissionInUse reports the capacity currently held in a pool.
func (m *Metrics) SetAdmissionInUse(resource string, value float64) {
	if m == nil {
		return
	}
	m.AdmissionInUse.WithLabelValues(resource).Set(value)
}

// RecordAdmissionDenied records an admission rejection.
func (m *Metrics) RecordAdmissionDenied(resource string) {
	if m == nil {
		return
	}
	m.AdmissionDeniedTotal.WithLabelValues(resource).Inc()
}

// RecordInterrupt records a query interrupt request.
func (m *Metrics) RecordInterrupt() {
	if m == nil {
		return
	}
	m.InterruptsTotal.Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
