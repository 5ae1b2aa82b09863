package promptgate

import "time"

// Decision paths reported to Metrics
const (
	PathUser  = "user"
	PathGuest = "guest"
)

// Metrics defines the interface for tracking admission decisions and store health.
type Metrics interface {
	// RecordDecision records one admission decision. code is empty on ALLOW and
	// CodeStoreUnavailable when the store failed.
	RecordDecision(path string, code string, duration time.Duration)

	// RecordMigration records a guest-to-user migration and the inherited count.
	RecordMigration(inherited int)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(path string, code string, duration time.Duration)            {}
func (n *NoopMetrics) RecordMigration(inherited int)                                              {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
