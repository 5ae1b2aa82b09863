// Package postgres provides a PostgreSQL implementation of the promptgate.AtomicStorage interface.
// Conditional increments are single UPDATE ... RETURNING statements; the IP guard uses a
// transaction with SELECT FOR UPDATE.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/promptgate/pkg/promptgate"
)

//go:embed schema.sql
var schema string

// Storage implements promptgate.AtomicStorage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates the tables on New if they do not exist
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{
		pool:   pool,
		config: config,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return s, nil
}

// Migrate creates the counter tables if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the connection to PostgreSQL
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Now implements promptgate.TimeSource using the database clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to get database time: %w", err)
	}
	return now.UTC(), nil
}

// GetUserStats implements promptgate.Storage
func (s *Storage) GetUserStats(ctx context.Context, userID string) (*promptgate.UserStats, error) {
	stats := promptgate.UserStats{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT prompt_count, updated_at FROM user_stats WHERE user_id = $1`,
		userID).Scan(&stats.PromptCount, &stats.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user stats: %w", err)
	}
	stats.UpdatedAt = stats.UpdatedAt.UTC()
	return &stats, nil
}

// InsertUserStats implements promptgate.Storage
func (s *Storage) InsertUserStats(ctx context.Context, stats *promptgate.UserStats) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO user_stats (user_id, prompt_count, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO NOTHING`,
		stats.UserID, stats.PromptCount, stats.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert user stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return promptgate.ErrRecordExists
	}
	return nil
}

// UpdateUserStats implements promptgate.Storage
func (s *Storage) UpdateUserStats(ctx context.Context, stats *promptgate.UserStats) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_stats SET prompt_count = $2, updated_at = $3 WHERE user_id = $1`,
		stats.UserID, stats.PromptCount, stats.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update user stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return promptgate.ErrRecordNotFound
	}
	return nil
}

// GetGuestRecord implements promptgate.Storage
func (s *Storage) GetGuestRecord(ctx context.Context, fingerprint string) (*promptgate.GuestRecord, error) {
	rec := promptgate.GuestRecord{Fingerprint: fingerprint}
	err := s.pool.QueryRow(ctx,
		`SELECT prompt_count, last_ip FROM guest_tracking WHERE fingerprint_id = $1`,
		fingerprint).Scan(&rec.PromptCount, &rec.LastIP)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guest record: %w", err)
	}
	return &rec, nil
}

// UpsertGuestRecord implements promptgate.Storage
func (s *Storage) UpsertGuestRecord(ctx context.Context, rec *promptgate.GuestRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO guest_tracking (fingerprint_id, prompt_count, last_ip)
			VALUES ($1, $2, $3)
			ON CONFLICT (fingerprint_id) DO UPDATE SET
				prompt_count = EXCLUDED.prompt_count,
				last_ip = EXCLUDED.last_ip`,
		rec.Fingerprint, rec.PromptCount, rec.LastIP)
	if err != nil {
		return fmt.Errorf("failed to upsert guest record: %w", err)
	}
	return nil
}

// GetIPRecord implements promptgate.Storage
func (s *Storage) GetIPRecord(ctx context.Context, ip string) (*promptgate.IPAbuseRecord, error) {
	rec := promptgate.IPAbuseRecord{IPAddress: ip}
	err := s.pool.QueryRow(ctx,
		`SELECT request_count_1h, is_blocked, last_request_at FROM ip_abuse_monitor WHERE ip_address = $1`,
		ip).Scan(&rec.RequestCount1h, &rec.IsBlocked, &rec.LastRequestAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ip record: %w", err)
	}
	rec.LastRequestAt = rec.LastRequestAt.UTC()
	return &rec, nil
}

// InsertIPRecord implements promptgate.Storage
func (s *Storage) InsertIPRecord(ctx context.Context, rec *promptgate.IPAbuseRecord) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ip_abuse_monitor (ip_address, request_count_1h, is_blocked, last_request_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (ip_address) DO NOTHING`,
		rec.IPAddress, rec.RequestCount1h, rec.IsBlocked, rec.LastRequestAt)
	if err != nil {
		return fmt.Errorf("failed to insert ip record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return promptgate.ErrRecordExists
	}
	return nil
}

// UpdateIPRecord implements promptgate.Storage
func (s *Storage) UpdateIPRecord(ctx context.Context, rec *promptgate.IPAbuseRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ip_abuse_monitor SET request_count_1h = $2, last_request_at = $3 WHERE ip_address = $1`,
		rec.IPAddress, rec.RequestCount1h, rec.LastRequestAt)
	if err != nil {
		return fmt.Errorf("failed to update ip record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return promptgate.ErrRecordNotFound
	}
	return nil
}

// BlockIP implements promptgate.Storage
func (s *Storage) BlockIP(ctx context.Context, ip string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ip_abuse_monitor (ip_address, request_count_1h, is_blocked, last_request_at)
			VALUES ($1, 0, TRUE, $2)
			ON CONFLICT (ip_address) DO UPDATE SET is_blocked = TRUE`,
		ip, now)
	if err != nil {
		return fmt.Errorf("failed to block ip: %w", err)
	}
	return nil
}

// IncrementUserStats implements promptgate.AtomicStorage
func (s *Storage) IncrementUserStats(ctx context.Context, userID string, limit int, now time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`UPDATE user_stats SET prompt_count = prompt_count + 1, updated_at = $3
			WHERE user_id = $1 AND prompt_count < $2
			RETURNING prompt_count`,
		userID, limit, now).Scan(&count)
	if err == nil {
		return count, nil
	}
	if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("failed to increment user stats: %w", err)
	}

	// Nothing updated: either the row is missing or it is at the limit
	stats, err := s.GetUserStats(ctx, userID)
	if err != nil {
		return 0, err
	}
	if stats == nil {
		return 0, promptgate.ErrRecordNotFound
	}
	return stats.PromptCount, promptgate.ErrLimitReached
}

// IncrementGuest implements promptgate.AtomicStorage
func (s *Storage) IncrementGuest(ctx context.Context, fingerprint, ip string, limit int) (int, error) {
	if limit <= 0 {
		return s.guestCountAtLimit(ctx, fingerprint)
	}

	var count int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO guest_tracking (fingerprint_id, prompt_count, last_ip)
			VALUES ($1, 1, $2)
			ON CONFLICT (fingerprint_id) DO UPDATE SET
				prompt_count = guest_tracking.prompt_count + 1,
				last_ip = EXCLUDED.last_ip
			WHERE guest_tracking.prompt_count < $3
			RETURNING prompt_count`,
		fingerprint, ip, limit).Scan(&count)
	if err == pgx.ErrNoRows {
		return s.guestCountAtLimit(ctx, fingerprint)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment guest: %w", err)
	}
	return count, nil
}

func (s *Storage) guestCountAtLimit(ctx context.Context, fingerprint string) (int, error) {
	rec, err := s.GetGuestRecord(ctx, fingerprint)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, promptgate.ErrLimitReached
	}
	return rec.PromptCount, promptgate.ErrLimitReached
}

// IncrementIP implements promptgate.AtomicStorage
func (s *Storage) IncrementIP(ctx context.Context, ip string, limit int, now time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// First sight of the IP creates the row at 1 and passes
	tag, err := tx.Exec(ctx,
		`INSERT INTO ip_abuse_monitor (ip_address, request_count_1h, is_blocked, last_request_at)
			VALUES ($1, 1, FALSE, $2)
			ON CONFLICT (ip_address) DO NOTHING`,
		ip, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ip record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		if err = tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("failed to commit: %w", err)
		}
		return 1, nil
	}

	var count int
	var blocked bool
	err = tx.QueryRow(ctx,
		`SELECT request_count_1h, is_blocked FROM ip_abuse_monitor
			WHERE ip_address = $1
			FOR UPDATE`,
		ip).Scan(&count, &blocked)
	if err != nil {
		return 0, fmt.Errorf("failed to get ip record for update: %w", err)
	}

	if blocked {
		return count, promptgate.ErrBlocked
	}
	if count >= limit {
		return count, promptgate.ErrLimitReached
	}

	err = tx.QueryRow(ctx,
		`UPDATE ip_abuse_monitor SET request_count_1h = request_count_1h + 1, last_request_at = $2
			WHERE ip_address = $1
			RETURNING request_count_1h`,
		ip, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment ip record: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return count, nil
}
