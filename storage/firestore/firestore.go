// Package firestore provides a Firestore implementation of the promptgate.AtomicStorage interface.
// Conditional increments run inside Firestore transactions.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/promptgate/pkg/promptgate"
)

// Storage implements promptgate.AtomicStorage using Google Cloud Firestore
type Storage struct {
	client          *firestore.Client
	userCollection  string
	guestCollection string
	ipCollection    string
}

// Config holds Firestore storage configuration
type Config struct {
	// UserStatsCollection holds one document per user id
	// Default: "user_stats"
	UserStatsCollection string

	// GuestCollection holds one document per device fingerprint
	// Default: "guest_tracking"
	GuestCollection string

	// IPCollection holds one document per source IP
	// Default: "ip_abuse_monitor"
	IPCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UserStatsCollection == "" {
		config.UserStatsCollection = "user_stats"
	}
	if config.GuestCollection == "" {
		config.GuestCollection = "guest_tracking"
	}
	if config.IPCollection == "" {
		config.IPCollection = "ip_abuse_monitor"
	}

	return &Storage{
		client:          client,
		userCollection:  config.UserStatsCollection,
		guestCollection: config.GuestCollection,
		ipCollection:    config.IPCollection,
	}, nil
}

// GetUserStats implements promptgate.Storage
func (s *Storage) GetUserStats(ctx context.Context, userID string) (*promptgate.UserStats, error) {
	snap, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user stats: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}

	data := snap.Data()
	return &promptgate.UserStats{
		UserID:      userID,
		PromptCount: getInt(data, "promptCount"),
		UpdatedAt:   getTime(data, "updatedAt"),
	}, nil
}

// InsertUserStats implements promptgate.Storage
func (s *Storage) InsertUserStats(ctx context.Context, stats *promptgate.UserStats) error {
	_, err := s.userDoc(stats.UserID).Create(ctx, map[string]interface{}{
		"promptCount": stats.PromptCount,
		"updatedAt":   stats.UpdatedAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return promptgate.ErrRecordExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert user stats: %w", err)
	}
	return nil
}

// UpdateUserStats implements promptgate.Storage
func (s *Storage) UpdateUserStats(ctx context.Context, stats *promptgate.UserStats) error {
	_, err := s.userDoc(stats.UserID).Update(ctx, []firestore.Update{
		{Path: "promptCount", Value: stats.PromptCount},
		{Path: "updatedAt", Value: stats.UpdatedAt},
	})
	if status.Code(err) == codes.NotFound {
		return promptgate.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update user stats: %w", err)
	}
	return nil
}

// GetGuestRecord implements promptgate.Storage
func (s *Storage) GetGuestRecord(ctx context.Context, fingerprint string) (*promptgate.GuestRecord, error) {
	snap, err := s.guestDoc(fingerprint).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get guest record: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}

	data := snap.Data()
	return &promptgate.GuestRecord{
		Fingerprint: fingerprint,
		PromptCount: getInt(data, "promptCount"),
		LastIP:      getString(data, "lastIp"),
	}, nil
}

// UpsertGuestRecord implements promptgate.Storage
func (s *Storage) UpsertGuestRecord(ctx context.Context, rec *promptgate.GuestRecord) error {
	_, err := s.guestDoc(rec.Fingerprint).Set(ctx, map[string]interface{}{
		"promptCount": rec.PromptCount,
		"lastIp":      rec.LastIP,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to upsert guest record: %w", err)
	}
	return nil
}

// GetIPRecord implements promptgate.Storage
func (s *Storage) GetIPRecord(ctx context.Context, ip string) (*promptgate.IPAbuseRecord, error) {
	snap, err := s.ipDoc(ip).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ip record: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	return ipRecordFromData(ip, snap.Data()), nil
}

// InsertIPRecord implements promptgate.Storage
func (s *Storage) InsertIPRecord(ctx context.Context, rec *promptgate.IPAbuseRecord) error {
	_, err := s.ipDoc(rec.IPAddress).Create(ctx, map[string]interface{}{
		"requestCount1h": rec.RequestCount1h,
		"isBlocked":      rec.IsBlocked,
		"lastRequestAt":  rec.LastRequestAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return promptgate.ErrRecordExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert ip record: %w", err)
	}
	return nil
}

// UpdateIPRecord implements promptgate.Storage
func (s *Storage) UpdateIPRecord(ctx context.Context, rec *promptgate.IPAbuseRecord) error {
	_, err := s.ipDoc(rec.IPAddress).Update(ctx, []firestore.Update{
		{Path: "requestCount1h", Value: rec.RequestCount1h},
		{Path: "lastRequestAt", Value: rec.LastRequestAt},
	})
	if status.Code(err) == codes.NotFound {
		return promptgate.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update ip record: %w", err)
	}
	return nil
}

// BlockIP implements promptgate.Storage
func (s *Storage) BlockIP(ctx context.Context, ip string, now time.Time) error {
	doc := s.ipDoc(ip)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			return tx.Update(doc, []firestore.Update{{Path: "isBlocked", Value: true}})
		}
		return tx.Create(doc, map[string]interface{}{
			"requestCount1h": 0,
			"isBlocked":      true,
			"lastRequestAt":  now,
		})
	})
}

// IncrementUserStats implements promptgate.AtomicStorage
func (s *Storage) IncrementUserStats(ctx context.Context, userID string, limit int, now time.Time) (int, error) {
	doc := s.userDoc(userID)
	var count int

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if status.Code(err) == codes.NotFound {
			return promptgate.ErrRecordNotFound
		}
		if err != nil {
			return err
		}

		count = getInt(snap.Data(), "promptCount")
		if count >= limit {
			return promptgate.ErrLimitReached
		}
		count++
		return tx.Update(doc, []firestore.Update{
			{Path: "promptCount", Value: count},
			{Path: "updatedAt", Value: now},
		})
	})
	return count, err
}

// IncrementGuest implements promptgate.AtomicStorage
func (s *Storage) IncrementGuest(ctx context.Context, fingerprint, ip string, limit int) (int, error) {
	doc := s.guestDoc(fingerprint)
	var count int

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		count = 0
		if err == nil && snap.Exists() {
			count = getInt(snap.Data(), "promptCount")
		}
		if count >= limit {
			return promptgate.ErrLimitReached
		}
		count++
		return tx.Set(doc, map[string]interface{}{
			"promptCount": count,
			"lastIp":      ip,
		}, firestore.MergeAll)
	})
	return count, err
}

// IncrementIP implements promptgate.AtomicStorage
func (s *Storage) IncrementIP(ctx context.Context, ip string, limit int, now time.Time) (int, error) {
	doc := s.ipDoc(ip)
	var count int

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if status.Code(err) == codes.NotFound {
			count = 1
			return tx.Create(doc, map[string]interface{}{
				"requestCount1h": 1,
				"isBlocked":      false,
				"lastRequestAt":  now,
			})
		}
		if err != nil {
			return err
		}

		rec := ipRecordFromData(ip, snap.Data())
		count = rec.RequestCount1h
		if rec.IsBlocked {
			return promptgate.ErrBlocked
		}
		if count >= limit {
			return promptgate.ErrLimitReached
		}
		count++
		return tx.Update(doc, []firestore.Update{
			{Path: "requestCount1h", Value: count},
			{Path: "lastRequestAt", Value: now},
		})
	})
	return count, err
}

func (s *Storage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.userCollection).Doc(userID)
}

func (s *Storage) guestDoc(fingerprint string) *firestore.DocumentRef {
	return s.client.Collection(s.guestCollection).Doc(fingerprint)
}

func (s *Storage) ipDoc(ip string) *firestore.DocumentRef {
	return s.client.Collection(s.ipCollection).Doc(ip)
}

func ipRecordFromData(ip string, data map[string]interface{}) *promptgate.IPAbuseRecord {
	blocked, _ := data["isBlocked"].(bool)
	return &promptgate.IPAbuseRecord{
		IPAddress:      ip,
		RequestCount1h: getInt(data, "requestCount1h"),
		IsBlocked:      blocked,
		LastRequestAt:  getTime(data, "lastRequestAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
