package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors holds the engine's Prometheus instrumentation. The engine
// registers collectors but serves no scrape endpoint itself; embedders
// that run long-lived expose the registry however they like.
type Collectors struct {
	// PhaseDuration observes wall-clock seconds per completed phase.
	PhaseDuration *prometheus.HistogramVec

	// PhaseFailures counts failed phase attempts.
	PhaseFailures *prometheus.CounterVec

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions *prometheus.CounterVec

	// Rollbacks counts rollback invocations per instance.
	Rollbacks *prometheus.CounterVec
}

// NewCollectors builds and registers the engine collectors.
//
// Pass prometheus.DefaultRegisterer for normal use or a private registry
// in tests to avoid duplicate-registration panics.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spokectl_phase_duration_seconds",
			Help:    "Wall-clock duration of completed deployment phases.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"instance", "phase"}),
		PhaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spokectl_phase_failures_total",
			Help: "Failed phase attempts, including retried ones.",
		}, []string{"instance", "phase"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spokectl_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"operation", "to"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spokectl_rollbacks_total",
			Help: "Rollbacks to a checkpoint.",
		}, []string{"instance"}),
	}
	reg.MustRegister(c.PhaseDuration, c.PhaseFailures, c.BreakerTransitions, c.Rollbacks)
	return c
}

// NewTestCollectors returns collectors on a throwaway registry.
func NewTestCollectors() *Collectors {
	return NewCollectors(prometheus.NewRegistry())
}
