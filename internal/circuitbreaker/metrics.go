package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CircuitBreakerState shows the current state of circuit breakers.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradegw_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerAdmitsTotal counts admission decisions.
	CircuitBreakerAdmitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradegw_circuit_breaker_admits_total",
			Help: "Total number of admission decisions made by circuit breakers",
		},
		[]string{"name", "result"},
	)

	// CircuitBreakerOutcomesTotal counts reported outcomes.
	CircuitBreakerOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradegw_circuit_breaker_outcomes_total",
			Help: "Total number of outcomes reported to circuit breakers",
		},
		[]string{"name", "outcome"},
	)

	// CircuitBreakerStaleReportsTotal counts reports dropped as stale.
	CircuitBreakerStaleReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradegw_circuit_breaker_stale_reports_total",
			Help: "Total number of outcome reports ignored because the breaker moved on",
		},
		[]string{"name"},
	)

	// CircuitBreakerStateChangesTotal counts state changes.
	CircuitBreakerStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradegw_circuit_breaker_state_changes_total",
			Help: "Total number of circuit breaker state changes",
		},
		[]string{"name", "from", "to"},
	)
)

// RecordState records the current state of a circuit breaker.
func RecordState(name string, state State) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordAdmit records an admission decision.
func RecordAdmit(name string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	CircuitBreakerAdmitsTotal.WithLabelValues(name, result).Inc()
}

// RecordOutcome records a reported outcome.
func RecordOutcome(name string, outcome Outcome) {
	CircuitBreakerOutcomesTotal.WithLabelValues(name, outcome.String()).Inc()
}

// RecordStaleReport records a dropped report.
func RecordStaleReport(name string) {
	CircuitBreakerStaleReportsTotal.WithLabelValues(name).Inc()
}

// RecordStateChange records a state change.
func RecordStateChange(name string, from, to State) {
	CircuitBreakerStateChangesTotal.WithLabelValues(name, from.String(), to.String()).Inc()
	RecordState(name, to)
}
