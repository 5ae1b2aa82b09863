// Package prommetrics implements promptgate.Metrics with Prometheus collectors.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const outcomeAllowed = "allowed"

// Metrics implements promptgate.Metrics using Prometheus.
type Metrics struct {
	decisionsTotal             *prometheus.CounterVec
	decisionDuration           *prometheus.HistogramVec
	migrationsTotal            prometheus.Counter
	inheritedPrompts           prometheus.Histogram
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Total number of admission decisions by path and outcome.",
		}, []string{"path", "outcome"}),

		decisionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_decision_duration_seconds",
			Help:      "Latency of admission decisions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),

		migrationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guest_migrations_total",
			Help:      "Total number of guest usage migrations to user accounts.",
		}),

		inheritedPrompts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "guest_migration_inherited_prompts",
			Help:      "Distribution of prompt counts inherited on migration.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 8},
		}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

// RecordDecision counts a decision under its denial code, or "allowed"
func (m *Metrics) RecordDecision(path, code string, duration time.Duration) {
	outcome := code
	if outcome == "" {
		outcome = outcomeAllowed
	}
	m.decisionsTotal.WithLabelValues(path, outcome).Inc()
	m.decisionDuration.WithLabelValues(path).Observe(duration.Seconds())
}

func (m *Metrics) RecordMigration(inherited int) {
	m.migrationsTotal.Inc()
	m.inheritedPrompts.Observe(float64(inherited))
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
