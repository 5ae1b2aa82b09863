package promptgate

import (
	"context"
	"time"
)

// Storage defines the counter store consumed by the controller.
// Getters return (nil, nil) when the key is absent.
type Storage interface {
	// GetUserStats retrieves the user_stats row for userID
	GetUserStats(ctx context.Context, userID string) (*UserStats, error)

	// InsertUserStats creates a user_stats row.
	// Returns ErrRecordExists if a row for the user already exists.
	InsertUserStats(ctx context.Context, stats *UserStats) error

	// UpdateUserStats overwrites prompt_count and updated_at of an existing row
	UpdateUserStats(ctx context.Context, stats *UserStats) error

	// GetGuestRecord retrieves the guest_tracking row for fingerprint
	GetGuestRecord(ctx context.Context, fingerprint string) (*GuestRecord, error)

	// UpsertGuestRecord creates or overwrites a guest_tracking row
	UpsertGuestRecord(ctx context.Context, rec *GuestRecord) error

	// GetIPRecord retrieves the ip_abuse_monitor row for ip
	GetIPRecord(ctx context.Context, ip string) (*IPAbuseRecord, error)

	// InsertIPRecord creates an ip_abuse_monitor row.
	// Returns ErrRecordExists if a row for the IP already exists.
	InsertIPRecord(ctx context.Context, rec *IPAbuseRecord) error

	// UpdateIPRecord overwrites request_count_1h and last_request_at of an existing row.
	// It never touches is_blocked.
	UpdateIPRecord(ctx context.Context, rec *IPAbuseRecord) error

	// BlockIP sets is_blocked on the row for ip, creating it with a zero count if absent
	BlockIP(ctx context.Context, ip string, now time.Time) error
}

// AtomicStorage is a Storage that can run each policy's check-and-increment
// as one conditional operation. Every method returns the counter value after
// the call; on ErrLimitReached or ErrBlocked the counter is unchanged.
type AtomicStorage interface {
	Storage

	// IncrementUserStats adds one to prompt_count if it is below limit.
	// The row must exist; a missing row returns ErrRecordNotFound.
	IncrementUserStats(ctx context.Context, userID string, limit int, now time.Time) (int, error)

	// IncrementGuest adds one to prompt_count if it is below limit, creating the row
	// at 1 if absent, and records ip as last_ip.
	IncrementGuest(ctx context.Context, fingerprint, ip string, limit int) (int, error)

	// IncrementIP creates the row at 1 if absent, otherwise returns ErrBlocked for a blocked IP,
	// ErrLimitReached when request_count_1h >= limit, or adds one.
	IncrementIP(ctx context.Context, ip string, limit int, now time.Time) (int, error)
}

// TimeSource defines an interface for getting time from the storage engine.
// This keeps updated_at and last_request_at consistent across application servers.
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}
