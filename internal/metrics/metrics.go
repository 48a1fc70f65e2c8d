// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var phaseBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Metrics aggregates the engine's collectors.
type Metrics struct {
	deployResults  *prometheus.CounterVec
	phaseDurations *prometheus.HistogramVec
	healthProbes   *prometheus.CounterVec
	cleanupDeleted prometheus.Counter
}

// New registers and returns the engine collectors. Registration races with a
// prior instance resolve to the existing collector.
func New() *Metrics {
	m := &Metrics{
		deployResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackdock",
			Subsystem: "engine",
			Name:      "deployments_total",
			Help:      "Deployment pipeline outcomes",
		}, []string{"outcome"}),
		phaseDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stackdock",
			Subsystem: "engine",
			Name:      "deployment_phase_seconds",
			Help:      "Time spent per deployment phase",
			Buckets:   phaseBuckets,
		}, []string{"phase"}),
		healthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackdock",
			Subsystem: "engine",
			Name:      "health_probe_results_total",
			Help:      "Aggregated health monitor readings",
		}, []string{"result"}),
		cleanupDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stackdock",
			Subsystem: "engine",
			Name:      "cleanup_deleted_total",
			Help:      "Deployments deleted by retention cleanup",
		}),
	}

	m.deployResults = registerCounterVec(m.deployResults)
	m.phaseDurations = registerHistogramVec(m.phaseDurations)
	m.healthProbes = registerCounterVec(m.healthProbes)
	m.cleanupDeleted = registerCounter(m.cleanupDeleted)
	return m
}

// DeploymentResult records one pipeline outcome.
func (m *Metrics) DeploymentResult(outcome string) {
	if m == nil {
		return
	}
	m.deployResults.WithLabelValues(outcome).Inc()
}

// PhaseDuration records time spent in a phase.
func (m *Metrics) PhaseDuration(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDurations.WithLabelValues(phase).Observe(d.Seconds())
}

// HealthProbe records one aggregated health reading.
func (m *Metrics) HealthProbe(result string) {
	if m == nil {
		return
	}
	m.healthProbes.WithLabelValues(result).Inc()
}

// CleanupDeleted counts deployments removed by retention.
func (m *Metrics) CleanupDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupDeleted.Add(float64(n))
}

func registerCounterVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return c
}

func registerHistogramVec(h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	return h
}

func registerCounter(c prometheus.Counter) prometheus.Counter {
	if err := prometheus.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}
