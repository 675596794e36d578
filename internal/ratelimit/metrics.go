package ratelimit

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the in-process limiters.
type Metrics struct {
	decisions   *prometheus.CounterVec
	trackedKeys *prometheus.GaugeVec
	evictions   *prometheus.CounterVec
	registry    *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tradegw"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of rate limit decisions",
		},
		[]string{"algorithm", "result"},
	)

	m.trackedKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "tracked_keys",
			Help:      "Number of identities with live limiter state",
		},
		[]string{"algorithm"},
	)

	m.evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "evictions_total",
			Help:      "Total number of idle keys removed by the sweep",
		},
		[]string{"algorithm"},
	)

	m.registry.MustRegister(m.decisions, m.trackedKeys, m.evictions)

	return m
}

func (m *Metrics) recordDecision(algorithm Algorithm, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.decisions.WithLabelValues(string(algorithm), result).Inc()
}

func (m *Metrics) recordSweep(algorithm Algorithm, removed, remaining int) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(string(algorithm)).Add(float64(removed))
	m.trackedKeys.WithLabelValues(string(algorithm)).Set(float64(remaining))
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry, adopting
// already registered identical collectors.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	m.decisions = register(registry, m.decisions)
	m.trackedKeys = register(registry, m.trackedKeys)
	m.evictions = register(registry, m.evictions)
}

func register[C prometheus.Collector](registry *prometheus.Registry, c C) C {
	if err := registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		return are.ExistingCollector.(C)
	}
	return c
}
