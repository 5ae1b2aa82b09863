package promptgate

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// AtomicCircuitBreakerStorage is the CircuitBreakerStorage of an AtomicStorage.
type AtomicCircuitBreakerStorage struct {
	*CircuitBreakerStorage
	atomic AtomicStorage
}

// NewCircuitBreakerStorage wraps storage with cb. The result implements
// AtomicStorage exactly when storage does.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) Storage {
	wrapped := &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
	if as, ok := storage.(AtomicStorage); ok {
		return &AtomicCircuitBreakerStorage{CircuitBreakerStorage: wrapped, atomic: as}
	}
	return wrapped
}

func (s *CircuitBreakerStorage) GetUserStats(ctx context.Context, userID string) (*UserStats, error) {
	var stats *UserStats
	err := s.cb.Execute(ctx, func() error {
		var e error
		stats, e = s.storage.GetUserStats(ctx, userID)
		return e
	})
	return stats, err
}

func (s *CircuitBreakerStorage) InsertUserStats(ctx context.Context, stats *UserStats) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.InsertUserStats(ctx, stats)
	})
}

func (s *CircuitBreakerStorage) UpdateUserStats(ctx context.Context, stats *UserStats) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.UpdateUserStats(ctx, stats)
	})
}

func (s *CircuitBreakerStorage) GetGuestRecord(ctx context.Context, fingerprint string) (*GuestRecord, error) {
	var rec *GuestRecord
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.storage.GetGuestRecord(ctx, fingerprint)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStorage) UpsertGuestRecord(ctx context.Context, rec *GuestRecord) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.UpsertGuestRecord(ctx, rec)
	})
}

func (s *CircuitBreakerStorage) GetIPRecord(ctx context.Context, ip string) (*IPAbuseRecord, error) {
	var rec *IPAbuseRecord
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.storage.GetIPRecord(ctx, ip)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStorage) InsertIPRecord(ctx context.Context, rec *IPAbuseRecord) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.InsertIPRecord(ctx, rec)
	})
}

func (s *CircuitBreakerStorage) UpdateIPRecord(ctx context.Context, rec *IPAbuseRecord) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.UpdateIPRecord(ctx, rec)
	})
}

func (s *CircuitBreakerStorage) BlockIP(ctx context.Context, ip string, now time.Time) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.BlockIP(ctx, ip, now)
	})
}

func (s *AtomicCircuitBreakerStorage) IncrementUserStats(ctx context.Context, userID string,
	limit int, now time.Time) (int, error) {
	var count int
	err := s.cb.Execute(ctx, func() error {
		var e error
		count, e = s.atomic.IncrementUserStats(ctx, userID, limit, now)
		return e
	})
	return count, err
}

func (s *AtomicCircuitBreakerStorage) IncrementGuest(ctx context.Context, fingerprint, ip string,
	limit int) (int, error) {
	var count int
	err := s.cb.Execute(ctx, func() error {
		var e error
		count, e = s.atomic.IncrementGuest(ctx, fingerprint, ip, limit)
		return e
	})
	return count, err
}

func (s *AtomicCircuitBreakerStorage) IncrementIP(ctx context.Context, ip string,
	limit int, now time.Time) (int, error) {
	var count int
	err := s.cb.Execute(ctx, func() error {
		var e error
		count, e = s.atomic.IncrementIP(ctx, ip, limit, now)
		return e
	})
	return count, err
}
