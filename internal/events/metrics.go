package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains event delivery metrics.
type Metrics struct {
	publishedTotal *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
}

// NewMetrics creates event metrics registered with the default
// registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates event metrics registered with the
// provided registerer. Duplicate registrations adopt the existing
// collectors.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "tradegw"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		publishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total number of events handed to the sink by type and result",
			},
			[]string{"type", "result"},
		),
		droppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Total number of events dropped because the dispatch queue was full or closed",
			},
			[]string{"type"},
		),
	}

	m.publishedTotal = adopt(registerer, m.publishedTotal)
	m.droppedTotal = adopt(registerer, m.droppedTotal)

	return m
}

func adopt(registerer prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) recordPublished(eventType Type, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.publishedTotal.WithLabelValues(string(eventType), result).Inc()
}

func (m *Metrics) recordDropped(eventType Type) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(string(eventType)).Inc()
}
