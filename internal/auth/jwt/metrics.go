package jwt

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for token validation.
type Metrics struct {
	validationTotal    *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tradegw"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.validationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jwt",
			Name:      "validation_total",
			Help:      "Total number of token validation attempts",
		},
		[]string{"status", "reason"},
	)

	m.validationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jwt",
			Name:      "validation_duration_seconds",
			Help:      "Token validation duration in seconds",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		},
		[]string{"status"},
	)

	m.registry.MustRegister(m.validationTotal, m.validationDuration)

	return m
}

// Init pre-populates label combinations so the series appear before the
// first validation.
func (m *Metrics) Init() {
	m.validationTotal.WithLabelValues("success", "")
	for _, reason := range []string{"malformed", "bad_signature", "expired", "bad_claims"} {
		m.validationTotal.WithLabelValues("error", reason)
	}
}

// RecordValidation records a validation attempt.
func (m *Metrics) RecordValidation(status, reason string, duration time.Duration) {
	m.validationTotal.WithLabelValues(status, reason).Inc()
	m.validationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry. When an
// identical collector is already registered (a validator recreated on
// config reload) the existing collector is adopted instead.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	if err := registry.Register(m.validationTotal); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		m.validationTotal = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := registry.Register(m.validationDuration); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		m.validationDuration = are.ExistingCollector.(*prometheus.HistogramVec)
	}
}
