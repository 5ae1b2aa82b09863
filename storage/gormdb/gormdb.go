// Package gormdb implements promptgate.AtomicStorage on top of GORM.
// The same models run on SQLite (pure Go, through the glebarez/sqlite driver)
// and on PostgreSQL (gorm.io/driver/postgres).
package gormdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/mihaimyh/promptgate/pkg/promptgate"
)

// Storage implements promptgate.AtomicStorage with GORM
type Storage struct {
	db *gorm.DB
}

// New wraps an open GORM connection and migrates the counter tables.
func New(db *gorm.DB) (*Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is required")
	}
	s := &Storage{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens a SQLite database at path (":memory:" for a private in-memory database).
// SQLite allows a single writer, so the pool is capped at one connection.
func OpenSQLite(path string) (*Storage, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return New(db)
}

// OpenPostgres connects to PostgreSQL through the GORM postgres driver.
func OpenPostgres(dsn string) (*Storage, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return New(db)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Migrate runs GORM AutoMigrate for the counter tables.
func (s *Storage) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&UserStatsModel{}, &GuestModel{}, &IPAbuseModel{}); err != nil {
		return fmt.Errorf("auto-migrating: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetUserStats implements promptgate.Storage
func (s *Storage) GetUserStats(ctx context.Context, userID string) (*promptgate.UserStats, error) {
	var m UserStatsModel
	err := s.db.WithContext(ctx).Take(&m, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user stats: %w", err)
	}
	return &promptgate.UserStats{
		UserID:      m.UserID,
		PromptCount: m.PromptCount,
		UpdatedAt:   m.UpdatedAt.UTC(),
	}, nil
}

// InsertUserStats implements promptgate.Storage
func (s *Storage) InsertUserStats(ctx context.Context, stats *promptgate.UserStats) error {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&UserStatsModel{
			UserID:      stats.UserID,
			PromptCount: stats.PromptCount,
			UpdatedAt:   stats.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("inserting user stats: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return promptgate.ErrRecordExists
	}
	return nil
}

// UpdateUserStats implements promptgate.Storage
func (s *Storage) UpdateUserStats(ctx context.Context, stats *promptgate.UserStats) error {
	res := s.db.WithContext(ctx).
		Model(&UserStatsModel{}).
		Where("user_id = ?", stats.UserID).
		Updates(map[string]interface{}{
			"prompt_count": stats.PromptCount,
			"updated_at":   stats.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("updating user stats: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return promptgate.ErrRecordNotFound
	}
	return nil
}

// GetGuestRecord implements promptgate.Storage
func (s *Storage) GetGuestRecord(ctx context.Context, fingerprint string) (*promptgate.GuestRecord, error) {
	var m GuestModel
	err := s.db.WithContext(ctx).Take(&m, "fingerprint_id = ?", fingerprint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting guest record: %w", err)
	}
	return &promptgate.GuestRecord{
		Fingerprint: m.FingerprintID,
		PromptCount: m.PromptCount,
		LastIP:      m.LastIP,
	}, nil
}

// UpsertGuestRecord implements promptgate.Storage
func (s *Storage) UpsertGuestRecord(ctx context.Context, rec *promptgate.GuestRecord) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"prompt_count", "last_ip"}),
		}).
		Create(&GuestModel{
			FingerprintID: rec.Fingerprint,
			PromptCount:   rec.PromptCount,
			LastIP:        rec.LastIP,
		}).Error
	if err != nil {
		return fmt.Errorf("upserting guest record: %w", err)
	}
	return nil
}

// GetIPRecord implements promptgate.Storage
func (s *Storage) GetIPRecord(ctx context.Context, ip string) (*promptgate.IPAbuseRecord, error) {
	var m IPAbuseModel
	err := s.db.WithContext(ctx).Take(&m, "ip_address = ?", ip).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting ip record: %w", err)
	}
	return toIPRecord(&m), nil
}

// InsertIPRecord implements promptgate.Storage
func (s *Storage) InsertIPRecord(ctx context.Context, rec *promptgate.IPAbuseRecord) error {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&IPAbuseModel{
			IPAddress:      rec.IPAddress,
			RequestCount1h: rec.RequestCount1h,
			IsBlocked:      rec.IsBlocked,
			LastRequestAt:  rec.LastRequestAt,
		})
	if res.Error != nil {
		return fmt.Errorf("inserting ip record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return promptgate.ErrRecordExists
	}
	return nil
}

// UpdateIPRecord implements promptgate.Storage
func (s *Storage) UpdateIPRecord(ctx context.Context, rec *promptgate.IPAbuseRecord) error {
	res := s.db.WithContext(ctx).
		Model(&IPAbuseModel{}).
		Where("ip_address = ?", rec.IPAddress).
		Updates(map[string]interface{}{
			"request_count_1h": rec.RequestCount1h,
			"last_request_at":  rec.LastRequestAt,
		})
	if res.Error != nil {
		return fmt.Errorf("updating ip record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return promptgate.ErrRecordNotFound
	}
	return nil
}

// BlockIP implements promptgate.Storage
func (s *Storage) BlockIP(ctx context.Context, ip string, now time.Time) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ip_address"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"is_blocked": true}),
		}).
		Create(&IPAbuseModel{
			IPAddress:     ip,
			IsBlocked:     true,
			LastRequestAt: now,
		}).Error
	if err != nil {
		return fmt.Errorf("blocking ip: %w", err)
	}
	return nil
}

// IncrementUserStats implements promptgate.AtomicStorage
func (s *Storage) IncrementUserStats(ctx context.Context, userID string, limit int, now time.Time) (int, error) {
	var count int
	var outcome error

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&UserStatsModel{}).
			Where("user_id = ? AND prompt_count < ?", userID, limit).
			Updates(map[string]interface{}{
				"prompt_count": gorm.Expr("prompt_count + 1"),
				"updated_at":   now,
			})
		if res.Error != nil {
			return fmt.Errorf("incrementing user stats: %w", res.Error)
		}

		var m UserStatsModel
		err := tx.Take(&m, "user_id = ?", userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			outcome = promptgate.ErrRecordNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading user stats: %w", err)
		}
		count = m.PromptCount
		if res.RowsAffected == 0 {
			outcome = promptgate.ErrLimitReached
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, outcome
}

// IncrementGuest implements promptgate.AtomicStorage
func (s *Storage) IncrementGuest(ctx context.Context, fingerprint, ip string, limit int) (int, error) {
	var count int
	var outcome error

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, bumped, err := bumpGuest(tx, fingerprint, ip, limit)
		if err != nil {
			return err
		}
		if m == nil && limit > 0 {
			// No row yet: create it at 1 unless a concurrent request got there first
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&GuestModel{FingerprintID: fingerprint, PromptCount: 1, LastIP: ip})
			if res.Error != nil {
				return fmt.Errorf("creating guest record: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				count = 1
				return nil
			}
			if m, bumped, err = bumpGuest(tx, fingerprint, ip, limit); err != nil {
				return err
			}
		}

		if m != nil {
			count = m.PromptCount
		}
		if !bumped {
			outcome = promptgate.ErrLimitReached
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, outcome
}

// bumpGuest increments an existing guest row if it is below limit and returns
// the row as stored afterwards, or nil when there is no row.
func bumpGuest(tx *gorm.DB, fingerprint, ip string, limit int) (*GuestModel, bool, error) {
	res := tx.Model(&GuestModel{}).
		Where("fingerprint_id = ? AND prompt_count < ?", fingerprint, limit).
		Updates(map[string]interface{}{
			"prompt_count": gorm.Expr("prompt_count + 1"),
			"last_ip":      ip,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("incrementing guest: %w", res.Error)
	}

	var m GuestModel
	err := tx.Take(&m, "fingerprint_id = ?", fingerprint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading guest record: %w", err)
	}
	return &m, res.RowsAffected == 1, nil
}

// IncrementIP implements promptgate.AtomicStorage
func (s *Storage) IncrementIP(ctx context.Context, ip string, limit int, now time.Time) (int, error) {
	var count int
	var outcome error

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&IPAbuseModel{IPAddress: ip, RequestCount1h: 1, LastRequestAt: now})
		if res.Error != nil {
			return fmt.Errorf("creating ip record: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			count = 1
			return nil
		}

		var m IPAbuseModel
		if err := forUpdate(tx).Take(&m, "ip_address = ?", ip).Error; err != nil {
			return fmt.Errorf("locking ip record: %w", err)
		}

		count = m.RequestCount1h
		if m.IsBlocked {
			outcome = promptgate.ErrBlocked
			return nil
		}
		if count >= limit {
			outcome = promptgate.ErrLimitReached
			return nil
		}

		err := tx.Model(&IPAbuseModel{}).
			Where("ip_address = ?", ip).
			Updates(map[string]interface{}{
				"request_count_1h": gorm.Expr("request_count_1h + 1"),
				"last_request_at":  now,
			}).Error
		if err != nil {
			return fmt.Errorf("incrementing ip record: %w", err)
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, outcome
}

// forUpdate adds SELECT ... FOR UPDATE on dialects with row locks. SQLite
// stores run on a single connection, so their transactions are already serialized.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func toIPRecord(m *IPAbuseModel) *promptgate.IPAbuseRecord {
	return &promptgate.IPAbuseRecord{
		IPAddress:      m.IPAddress,
		RequestCount1h: m.RequestCount1h,
		IsBlocked:      m.IsBlocked,
		LastRequestAt:  m.LastRequestAt.UTC(),
	}
}
