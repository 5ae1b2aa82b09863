package promptgate

import (
	"context"
	"errors"
	"time"
)

// admitUser charges one prompt to an authenticated user. The IP guard does not
// run for authenticated traffic.
func (c *Controller) admitUser(ctx context.Context, a Authenticated) (int, error) {
	stats, err := c.getUserStats(ctx, a.UserID)
	if err != nil {
		return 0, err
	}
	if stats == nil {
		if stats, err = c.migrate(ctx, a); err != nil {
			return 0, err
		}
	}

	// Counts never decrease, so a stale read at the cap is still a valid deny
	if stats.PromptCount >= c.limits.Total {
		c.config.Logger.Debug("user limit reached", Field{"user_id", a.UserID}, Field{"count", stats.PromptCount})
		return 0, ErrUserLimitReached
	}

	now := c.now(ctx)
	if c.atomic != nil {
		start := time.Now()
		count, err := c.atomic.IncrementUserStats(ctx, a.UserID, c.limits.Total, now)
		err = c.storeOp("increment_user_stats", start, err)
		if errors.Is(err, ErrLimitReached) {
			c.config.Logger.Debug("user limit reached", Field{"user_id", a.UserID}, Field{"count", count})
			return 0, ErrUserLimitReached
		}
		if err != nil {
			return 0, unhandled("increment_user_stats", err)
		}
		return count, nil
	}

	stats.PromptCount++
	stats.UpdatedAt = now
	start := time.Now()
	if err := c.storeCall("update_user_stats", start, c.storage.UpdateUserStats(ctx, stats)); err != nil {
		return 0, err
	}
	return stats.PromptCount, nil
}

func (c *Controller) getUserStats(ctx context.Context, userID string) (*UserStats, error) {
	start := time.Now()
	stats, err := c.storage.GetUserStats(ctx, userID)
	if err = c.storeCall("get_user_stats", start, err); err != nil {
		return nil, err
	}
	return stats, nil
}
