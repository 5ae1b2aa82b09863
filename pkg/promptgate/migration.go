package promptgate

import (
	"context"
	"errors"
	"time"
)

// migrate runs migrateGuest once per user id among concurrent callers in this
// process and hands each caller its own copy of the resulting row.
func (c *Controller) migrate(ctx context.Context, a Authenticated) (*UserStats, error) {
	v, err, _ := c.migrations.Do(a.UserID, func() (interface{}, error) {
		return c.migrateGuest(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	stats := *v.(*UserStats)
	return &stats, nil
}

// migrateGuest creates the user's stats row seeded with the prompt count of the
// guest record sharing the request's fingerprint. It must only be called when
// the user has no stats row. If another request inserts the row first, that
// row wins and is returned; the user_stats row is created at most once.
func (c *Controller) migrateGuest(ctx context.Context, a Authenticated) (*UserStats, error) {
	guest, err := c.getGuestRecord(ctx, a.Fingerprint)
	if err != nil {
		return nil, err
	}
	inherited := 0
	if guest != nil {
		inherited = guest.PromptCount
	}

	stats := &UserStats{
		UserID:      a.UserID,
		PromptCount: inherited,
		UpdatedAt:   c.now(ctx),
	}
	start := time.Now()
	err = c.storeOp("insert_user_stats", start, c.storage.InsertUserStats(ctx, stats))
	if errors.Is(err, ErrRecordExists) {
		existing, err := c.getUserStats(ctx, a.UserID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, &StoreError{Op: "get_user_stats", Err: ErrRecordNotFound}
		}
		return existing, nil
	}
	if err != nil {
		return nil, unhandled("insert_user_stats", err)
	}

	c.config.Metrics.RecordMigration(inherited)
	c.config.Logger.Info("guest usage migrated to user",
		Field{"user_id", a.UserID},
		Field{"fingerprint", a.Fingerprint},
		Field{"inherited", inherited},
	)
	return stats, nil
}
