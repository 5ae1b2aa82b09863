package promptgate

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Limits holds the admission ceilings. A Limits value is immutable once handed to a Controller.
type Limits struct {
	// Guest is the lifetime prompt cap for an anonymous fingerprint (default: 5)
	Guest int

	// UserBonus is the number of extra prompts a user gets after signing in (default: 3).
	// It is informational only: the authenticated cap is Total.
	UserBonus int

	// Total is the lifetime prompt cap for an authenticated user, inherited guest usage included (default: 8)
	Total int

	// IPGuest is the number of guest requests a single source IP may make (default: 10)
	IPGuest int
}

// DefaultLimits returns the production limits
func DefaultLimits() Limits {
	return Limits{
		Guest:     5,
		UserBonus: 3,
		Total:     8,
		IPGuest:   10,
	}
}

// Validate checks that every limit is non-negative
func (l Limits) Validate() error {
	if l.Guest < 0 {
		return fmt.Errorf("guest limit must be non-negative, got %d", l.Guest)
	}
	if l.UserBonus < 0 {
		return fmt.Errorf("user bonus limit must be non-negative, got %d", l.UserBonus)
	}
	if l.Total < 0 {
		return fmt.Errorf("total limit must be non-negative, got %d", l.Total)
	}
	if l.IPGuest < 0 {
		return fmt.Errorf("ip guest limit must be non-negative, got %d", l.IPGuest)
	}
	return nil
}

// GuestRecord tracks prompt usage of an anonymous device (table guest_tracking)
type GuestRecord struct {
	Fingerprint string
	PromptCount int
	LastIP      string
}

// UserStats tracks prompt usage of an authenticated user (table user_stats)
type UserStats struct {
	UserID      string
	PromptCount int
	UpdatedAt   time.Time
}

// IPAbuseRecord tracks guest traffic per source IP (table ip_abuse_monitor)
type IPAbuseRecord struct {
	IPAddress      string
	RequestCount1h int
	IsBlocked      bool
	LastRequestAt  time.Time
}

// Request is a single admission request as seen by the HTTP layer.
// UserID is empty for guests and already verified otherwise.
type Request struct {
	Fingerprint string `validate:"required"`
	IP          string `validate:"required"`
	UserID      string
}

// Identity is the classified caller of a Request: either Guest or Authenticated.
type Identity interface {
	isIdentity()
}

// Guest is an anonymous caller identified by device fingerprint and source IP
type Guest struct {
	Fingerprint string
	IP          string
}

// Authenticated is a signed-in caller. The fingerprint is only used for the one-time guest migration.
type Authenticated struct {
	UserID      string
	Fingerprint string
}

func (Guest) isIdentity()         {}
func (Authenticated) isIdentity() {}

// Identity classifies the request by the presence of a user id
func (r Request) Identity() Identity {
	if r.UserID != "" {
		return Authenticated{UserID: r.UserID, Fingerprint: r.Fingerprint}
	}
	return Guest{Fingerprint: r.Fingerprint, IP: r.IP}
}

// UsageKind names the quota a Usage belongs to
type UsageKind string

const (
	UsageKindGuest UsageKind = "guest"
	UsageKindUser  UsageKind = "user"
)

// Usage is a read-only snapshot of the quota that applies to a request
type Usage struct {
	Kind      UsageKind
	Used      int
	Limit     int
	Remaining int
}

// ConsistencyMode selects how read-check-write sequences reach the store
type ConsistencyMode string

const (
	// ConsistencyAtomic runs every check and increment as one conditional store operation.
	// Concurrent requests for the same identity can never admit more than the limit.
	ConsistencyAtomic ConsistencyMode = "atomic"

	// ConsistencyReadCheckWrite issues separate read, compare, and write calls.
	// Concurrent requests for the same identity may all pass the check before any write lands.
	ConsistencyReadCheckWrite ConsistencyMode = "read_check_write"
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config holds controller configuration
type Config struct {
	// Limits are the admission ceilings (default: DefaultLimits())
	Limits *Limits

	// Consistency selects the store access mode (default: ConsistencyAtomic)
	Consistency ConsistencyMode

	// Metrics is used for tracking decisions (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Tracer opens one span per decision (default: no-op tracer)
	Tracer trace.Tracer

	// CircuitBreakerConfig configures the circuit breaker around the store
	CircuitBreakerConfig *CircuitBreakerConfig

	// Now overrides the clock used for timestamps when the store is not a TimeSource
	Now func() time.Time
}
