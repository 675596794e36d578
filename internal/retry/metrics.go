package retry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradegw_retry_attempts_total",
			Help: "Total number of attempts made by retried operations",
		},
		[]string{"operation", "attempt"},
	)

	resultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradegw_retry_results_total",
			Help: "Total number of retried operations by final result",
		},
		[]string{"operation", "result"},
	)

	duration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradegw_retry_duration_seconds",
			Help:    "Total duration of retried operations including backoff",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)
)

func recordAttempt(operation string, attempt int) {
	attemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt+1)).Inc()
}

func recordResult(operation string, success bool, elapsed time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	resultsTotal.WithLabelValues(operation, result).Inc()
	duration.WithLabelValues(operation, result).Observe(elapsed.Seconds())
}
