// Package redis provides a Redis implementation of the promptgate.AtomicStorage interface.
// Every conditional write runs as a Lua script so check and increment are one operation.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/promptgate/pkg/promptgate"
)

const (
	statusOK       = "ok"
	statusLimit    = "limit"
	statusBlocked  = "blocked"
	statusNotFound = "not_found"
	statusExists   = "exists"

	fieldPromptCount   = "prompt_count"
	fieldUpdatedAt     = "updated_at"
	fieldLastIP        = "last_ip"
	fieldRequestCount  = "request_count_1h"
	fieldIsBlocked     = "is_blocked"
	fieldLastRequestAt = "last_request_at"
)

// Storage implements promptgate.AtomicStorage using Redis hashes
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "promptgate:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "promptgate:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "promptgate:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts compiles the Lua scripts for conditional writes.
// Scripts reply with {count, status}.
func (s *Storage) loadScripts() {
	s.scripts["insertUser"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return {0, 'exists'}
		end
		redis.call('HSET', KEYS[1], 'prompt_count', ARGV[1], 'updated_at', ARGV[2])
		return {tonumber(ARGV[1]), 'ok'}
	`)

	s.scripts["updateUser"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return {0, 'not_found'}
		end
		redis.call('HSET', KEYS[1], 'prompt_count', ARGV[1], 'updated_at', ARGV[2])
		return {tonumber(ARGV[1]), 'ok'}
	`)

	s.scripts["incrementUser"] = redis.NewScript(`
		local current = redis.call('HGET', KEYS[1], 'prompt_count')
		if not current then
			return {0, 'not_found'}
		end
		local count = tonumber(current)
		local limit = tonumber(ARGV[1])
		if count >= limit then
			return {count, 'limit'}
		end
		count = redis.call('HINCRBY', KEYS[1], 'prompt_count', 1)
		redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
		return {count, 'ok'}
	`)

	s.scripts["incrementGuest"] = redis.NewScript(`
		local count = tonumber(redis.call('HGET', KEYS[1], 'prompt_count') or '0')
		local limit = tonumber(ARGV[1])
		if count >= limit then
			return {count, 'limit'}
		end
		count = count + 1
		redis.call('HSET', KEYS[1], 'prompt_count', count, 'last_ip', ARGV[2])
		return {count, 'ok'}
	`)

	s.scripts["insertIP"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return {0, 'exists'}
		end
		redis.call('HSET', KEYS[1], 'request_count_1h', ARGV[1], 'is_blocked', ARGV[2], 'last_request_at', ARGV[3])
		return {tonumber(ARGV[1]), 'ok'}
	`)

	s.scripts["updateIP"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return {0, 'not_found'}
		end
		redis.call('HSET', KEYS[1], 'request_count_1h', ARGV[1], 'last_request_at', ARGV[2])
		return {tonumber(ARGV[1]), 'ok'}
	`)

	s.scripts["blockIP"] = redis.NewScript(`
		redis.call('HSETNX', KEYS[1], 'request_count_1h', 0)
		redis.call('HSETNX', KEYS[1], 'last_request_at', ARGV[1])
		redis.call('HSET', KEYS[1], 'is_blocked', 1)
		return {0, 'ok'}
	`)

	s.scripts["incrementIP"] = redis.NewScript(`
		local current = redis.call('HGET', KEYS[1], 'request_count_1h')
		if not current then
			redis.call('HSET', KEYS[1], 'request_count_1h', 1, 'is_blocked', 0, 'last_request_at', ARGV[2])
			return {1, 'ok'}
		end
		local count = tonumber(current)
		if redis.call('HGET', KEYS[1], 'is_blocked') == '1' then
			return {count, 'blocked'}
		end
		if count >= tonumber(ARGV[1]) then
			return {count, 'limit'}
		end
		count = redis.call('HINCRBY', KEYS[1], 'request_count_1h', 1)
		redis.call('HSET', KEYS[1], 'last_request_at', ARGV[2])
		return {count, 'ok'}
	`)
}

// run executes a script and maps its status onto the storage contract errors
func (s *Storage) run(ctx context.Context, name, key string, args ...interface{}) (int, error) {
	result, err := s.scripts[name].Run(ctx, s.client, []string{key}, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to execute %s script: %w", name, err)
	}

	count, status, err := parseScriptResult(result)
	if err != nil {
		return 0, err
	}

	switch status {
	case statusOK:
		return count, nil
	case statusLimit:
		return count, promptgate.ErrLimitReached
	case statusBlocked:
		return count, promptgate.ErrBlocked
	case statusNotFound:
		return count, promptgate.ErrRecordNotFound
	case statusExists:
		return count, promptgate.ErrRecordExists
	}
	return 0, fmt.Errorf("unexpected script status %q", status)
}

// parseScriptResult parses the {count, status} reply of a Lua script
func parseScriptResult(result interface{}) (count int, status string, err error) {
	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		err = fmt.Errorf("unexpected script result format")
		return
	}

	count64, ok := resultSlice[0].(int64)
	if !ok {
		err = fmt.Errorf("failed to parse count")
		return
	}
	count = int(count64)

	status, ok = resultSlice[1].(string)
	if !ok {
		err = fmt.Errorf("failed to parse status")
		return
	}

	return
}

// GetUserStats implements promptgate.Storage
func (s *Storage) GetUserStats(ctx context.Context, userID string) (*promptgate.UserStats, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user stats: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	count, err := strconv.Atoi(fields[fieldPromptCount])
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt_count: %w", err)
	}
	updatedAt, err := parseTime(fields[fieldUpdatedAt])
	if err != nil {
		return nil, err
	}

	return &promptgate.UserStats{
		UserID:      userID,
		PromptCount: count,
		UpdatedAt:   updatedAt,
	}, nil
}

// InsertUserStats implements promptgate.Storage
func (s *Storage) InsertUserStats(ctx context.Context, stats *promptgate.UserStats) error {
	_, err := s.run(ctx, "insertUser", s.userKey(stats.UserID), stats.PromptCount, formatTime(stats.UpdatedAt))
	return err
}

// UpdateUserStats implements promptgate.Storage
func (s *Storage) UpdateUserStats(ctx context.Context, stats *promptgate.UserStats) error {
	_, err := s.run(ctx, "updateUser", s.userKey(stats.UserID), stats.PromptCount, formatTime(stats.UpdatedAt))
	return err
}

// GetGuestRecord implements promptgate.Storage
func (s *Storage) GetGuestRecord(ctx context.Context, fingerprint string) (*promptgate.GuestRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.guestKey(fingerprint)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get guest record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	count, err := strconv.Atoi(fields[fieldPromptCount])
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt_count: %w", err)
	}

	return &promptgate.GuestRecord{
		Fingerprint: fingerprint,
		PromptCount: count,
		LastIP:      fields[fieldLastIP],
	}, nil
}

// UpsertGuestRecord implements promptgate.Storage
func (s *Storage) UpsertGuestRecord(ctx context.Context, rec *promptgate.GuestRecord) error {
	err := s.client.HSet(ctx, s.guestKey(rec.Fingerprint),
		fieldPromptCount, rec.PromptCount,
		fieldLastIP, rec.LastIP,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to upsert guest record: %w", err)
	}
	return nil
}

// GetIPRecord implements promptgate.Storage
func (s *Storage) GetIPRecord(ctx context.Context, ip string) (*promptgate.IPAbuseRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.ipKey(ip)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get ip record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	count, err := strconv.Atoi(fields[fieldRequestCount])
	if err != nil {
		return nil, fmt.Errorf("failed to parse request_count_1h: %w", err)
	}
	lastRequestAt, err := parseTime(fields[fieldLastRequestAt])
	if err != nil {
		return nil, err
	}

	return &promptgate.IPAbuseRecord{
		IPAddress:      ip,
		RequestCount1h: count,
		IsBlocked:      fields[fieldIsBlocked] == "1",
		LastRequestAt:  lastRequestAt,
	}, nil
}

// InsertIPRecord implements promptgate.Storage
func (s *Storage) InsertIPRecord(ctx context.Context, rec *promptgate.IPAbuseRecord) error {
	blocked := 0
	if rec.IsBlocked {
		blocked = 1
	}
	_, err := s.run(ctx, "insertIP", s.ipKey(rec.IPAddress), rec.RequestCount1h, blocked, formatTime(rec.LastRequestAt))
	return err
}

// UpdateIPRecord implements promptgate.Storage
func (s *Storage) UpdateIPRecord(ctx context.Context, rec *promptgate.IPAbuseRecord) error {
	_, err := s.run(ctx, "updateIP", s.ipKey(rec.IPAddress), rec.RequestCount1h, formatTime(rec.LastRequestAt))
	return err
}

// BlockIP implements promptgate.Storage
func (s *Storage) BlockIP(ctx context.Context, ip string, now time.Time) error {
	_, err := s.run(ctx, "blockIP", s.ipKey(ip), formatTime(now))
	return err
}

// IncrementUserStats implements promptgate.AtomicStorage
func (s *Storage) IncrementUserStats(ctx context.Context, userID string, limit int, now time.Time) (int, error) {
	return s.run(ctx, "incrementUser", s.userKey(userID), limit, formatTime(now))
}

// IncrementGuest implements promptgate.AtomicStorage
func (s *Storage) IncrementGuest(ctx context.Context, fingerprint, ip string, limit int) (int, error) {
	return s.run(ctx, "incrementGuest", s.guestKey(fingerprint), limit, ip)
}

// IncrementIP implements promptgate.AtomicStorage
func (s *Storage) IncrementIP(ctx context.Context, ip string, limit int, now time.Time) (int, error) {
	return s.run(ctx, "incrementIP", s.ipKey(ip), limit, formatTime(now))
}

// Now implements promptgate.TimeSource using the Redis server clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get redis time: %w", err)
	}
	return t.UTC(), nil
}

func (s *Storage) userKey(userID string) string {
	return fmt.Sprintf("%suser_stats:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) guestKey(fingerprint string) string {
	return fmt.Sprintf("%sguest_tracking:%s", s.config.KeyPrefix, fingerprint)
}

func (s *Storage) ipKey(ip string) string {
	return fmt.Sprintf("%sip_abuse_monitor:%s", s.config.KeyPrefix, ip)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return t, nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the connection to Redis
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
