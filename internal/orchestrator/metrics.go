package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	PhaseDuration *prometheus.HistogramVec
	PhaseFailures *prometheus.CounterVec
	Active        prometheus.Gauge
	WorkersTotal  *prometheus.CounterVec
}

// MustNewMetrics registers the collectors, panicking on duplicates.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cockpit",
			Subsystem: "orchestrator",
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of completed orchestrator phases.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"phase"}),
		PhaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cockpit",
			Subsystem: "orchestrator",
			Name:      "phase_failures_total",
			Help:      "Orchestrator runs that ended in error, by phase.",
		}, []string{"phase"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cockpit",
			Subsystem: "orchestrator",
			Name:      "active",
			Help:      "Orchestrators that are not yet terminal.",
		}),
		WorkersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cockpit",
			Subsystem: "worker",
			Name:      "terminal_total",
			Help:      "Workers that reached a terminal state, by status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.PhaseDuration, m.PhaseFailures, m.Active, m.WorkersTotal)
	}
	return m
}
