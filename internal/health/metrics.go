package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for health checks.
type Metrics struct {
	probesTotal *prometheus.CounterVec
	checkStatus *prometheus.GaugeVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton health metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			probesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "tradegw",
					Subsystem: "health",
					Name:      "probes_total",
					Help:      "Total number of health probes served by probe type and result",
				},
				[]string{"probe", "status"},
			),
			checkStatus: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "tradegw",
					Subsystem: "health",
					Name:      "check_status",
					Help:      "Last result of each readiness check (1=healthy, 0=unhealthy)",
				},
				[]string{"check"},
			),
		}
	})
	return metricsInstance
}

func (m *Metrics) recordProbe(probe string, status Status) {
	m.probesTotal.WithLabelValues(probe, string(status)).Inc()
}

func (m *Metrics) setCheck(name string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.checkStatus.WithLabelValues(name).Set(v)
}
