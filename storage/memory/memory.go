// Package memory provides an in-memory implementation of the promptgate.AtomicStorage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/promptgate/pkg/promptgate"
)

// Storage implements promptgate.AtomicStorage using in-memory maps
type Storage struct {
	mu     sync.RWMutex
	users  map[string]*promptgate.UserStats
	guests map[string]*promptgate.GuestRecord
	ips    map[string]*promptgate.IPAbuseRecord
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:  make(map[string]*promptgate.UserStats),
		guests: make(map[string]*promptgate.GuestRecord),
		ips:    make(map[string]*promptgate.IPAbuseRecord),
	}
}

// GetUserStats implements promptgate.Storage
func (s *Storage) GetUserStats(_ context.Context, userID string) (*promptgate.UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats, ok := s.users[userID]
	if !ok {
		return nil, nil
	}

	// Return a copy to prevent external mutations
	statsCopy := *stats
	return &statsCopy, nil
}

// InsertUserStats implements promptgate.Storage
func (s *Storage) InsertUserStats(_ context.Context, stats *promptgate.UserStats) error {
	if stats == nil || stats.UserID == "" {
		return fmt.Errorf("invalid user stats")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[stats.UserID]; ok {
		return promptgate.ErrRecordExists
	}
	statsCopy := *stats
	s.users[stats.UserID] = &statsCopy
	return nil
}

// UpdateUserStats implements promptgate.Storage
func (s *Storage) UpdateUserStats(_ context.Context, stats *promptgate.UserStats) error {
	if stats == nil || stats.UserID == "" {
		return fmt.Errorf("invalid user stats")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[stats.UserID]
	if !ok {
		return promptgate.ErrRecordNotFound
	}
	existing.PromptCount = stats.PromptCount
	existing.UpdatedAt = stats.UpdatedAt
	return nil
}

// GetGuestRecord implements promptgate.Storage
func (s *Storage) GetGuestRecord(_ context.Context, fingerprint string) (*promptgate.GuestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.guests[fingerprint]
	if !ok {
		return nil, nil
	}
	recCopy := *rec
	return &recCopy, nil
}

// UpsertGuestRecord implements promptgate.Storage
func (s *Storage) UpsertGuestRecord(_ context.Context, rec *promptgate.GuestRecord) error {
	if rec == nil || rec.Fingerprint == "" {
		return fmt.Errorf("invalid guest record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	s.guests[rec.Fingerprint] = &recCopy
	return nil
}

// GetIPRecord implements promptgate.Storage
func (s *Storage) GetIPRecord(_ context.Context, ip string) (*promptgate.IPAbuseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.ips[ip]
	if !ok {
		return nil, nil
	}
	recCopy := *rec
	return &recCopy, nil
}

// InsertIPRecord implements promptgate.Storage
func (s *Storage) InsertIPRecord(_ context.Context, rec *promptgate.IPAbuseRecord) error {
	if rec == nil || rec.IPAddress == "" {
		return fmt.Errorf("invalid ip record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ips[rec.IPAddress]; ok {
		return promptgate.ErrRecordExists
	}
	recCopy := *rec
	s.ips[rec.IPAddress] = &recCopy
	return nil
}

// UpdateIPRecord implements promptgate.Storage
func (s *Storage) UpdateIPRecord(_ context.Context, rec *promptgate.IPAbuseRecord) error {
	if rec == nil || rec.IPAddress == "" {
		return fmt.Errorf("invalid ip record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.ips[rec.IPAddress]
	if !ok {
		return promptgate.ErrRecordNotFound
	}
	existing.RequestCount1h = rec.RequestCount1h
	existing.LastRequestAt = rec.LastRequestAt
	return nil
}

// BlockIP implements promptgate.Storage
func (s *Storage) BlockIP(_ context.Context, ip string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.ips[ip]
	if !ok {
		s.ips[ip] = &promptgate.IPAbuseRecord{
			IPAddress:     ip,
			IsBlocked:     true,
			LastRequestAt: now,
		}
		return nil
	}
	rec.IsBlocked = true
	return nil
}

// IncrementUserStats implements promptgate.AtomicStorage
func (s *Storage) IncrementUserStats(_ context.Context, userID string, limit int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, ok := s.users[userID]
	if !ok {
		return 0, promptgate.ErrRecordNotFound
	}
	if stats.PromptCount >= limit {
		return stats.PromptCount, promptgate.ErrLimitReached
	}
	stats.PromptCount++
	stats.UpdatedAt = now
	return stats.PromptCount, nil
}

// IncrementGuest implements promptgate.AtomicStorage
func (s *Storage) IncrementGuest(_ context.Context, fingerprint, ip string, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.guests[fingerprint]
	if !ok {
		rec = &promptgate.GuestRecord{Fingerprint: fingerprint}
	}
	if rec.PromptCount >= limit {
		return rec.PromptCount, promptgate.ErrLimitReached
	}
	rec.PromptCount++
	rec.LastIP = ip
	s.guests[fingerprint] = rec
	return rec.PromptCount, nil
}

// IncrementIP implements promptgate.AtomicStorage
func (s *Storage) IncrementIP(_ context.Context, ip string, limit int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.ips[ip]
	if !ok {
		s.ips[ip] = &promptgate.IPAbuseRecord{
			IPAddress:      ip,
			RequestCount1h: 1,
			LastRequestAt:  now,
		}
		return 1, nil
	}
	if rec.IsBlocked {
		return rec.RequestCount1h, promptgate.ErrBlocked
	}
	if rec.RequestCount1h >= limit {
		return rec.RequestCount1h, promptgate.ErrLimitReached
	}
	rec.RequestCount1h++
	rec.LastRequestAt = now
	return rec.RequestCount1h, nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*promptgate.UserStats)
	s.guests = make(map[string]*promptgate.GuestRecord)
	s.ips = make(map[string]*promptgate.IPAbuseRecord)
}
