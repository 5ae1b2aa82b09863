package promptgate

import (
	"context"
	"errors"
	"time"
)

// checkIP enforces the per-IP guest request cap and the moderation block flag.
// It never sets the block flag and never resets the counter.
func (c *Controller) checkIP(ctx context.Context, ip string) error {
	now := c.now(ctx)
	if c.atomic != nil {
		return c.checkIPAtomic(ctx, ip, now)
	}

	rec, err := c.getIPRecord(ctx, ip)
	if err != nil {
		return err
	}

	if rec == nil {
		start := time.Now()
		err = c.storage.InsertIPRecord(ctx, &IPAbuseRecord{
			IPAddress:      ip,
			RequestCount1h: 1,
			LastRequestAt:  now,
		})
		err = c.storeOp("insert_ip_record", start, err)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRecordExists) {
			return unhandled("insert_ip_record", err)
		}
		// Another request created the row first; judge against it
		if rec, err = c.getIPRecord(ctx, ip); err != nil {
			return err
		}
		if rec == nil {
			return &StoreError{Op: "get_ip_record", Err: ErrRecordNotFound}
		}
	}

	if rec.IsBlocked {
		c.config.Logger.Warn("guest request from blocked ip", Field{"ip", ip})
		return ErrIPBlocked
	}
	if rec.RequestCount1h >= c.limits.IPGuest {
		c.config.Logger.Warn("ip guest limit reached", Field{"ip", ip}, Field{"count", rec.RequestCount1h})
		return ErrIPLimitReached
	}

	rec.RequestCount1h++
	rec.LastRequestAt = now
	start := time.Now()
	return c.storeCall("update_ip_record", start, c.storage.UpdateIPRecord(ctx, rec))
}

func (c *Controller) checkIPAtomic(ctx context.Context, ip string, now time.Time) error {
	start := time.Now()
	count, err := c.atomic.IncrementIP(ctx, ip, c.limits.IPGuest, now)
	err = c.storeOp("increment_ip", start, err)
	switch {
	case errors.Is(err, ErrBlocked):
		c.config.Logger.Warn("guest request from blocked ip", Field{"ip", ip})
		return ErrIPBlocked
	case errors.Is(err, ErrLimitReached):
		c.config.Logger.Warn("ip guest limit reached", Field{"ip", ip}, Field{"count", count})
		return ErrIPLimitReached
	}
	return unhandled("increment_ip", err)
}

func (c *Controller) getIPRecord(ctx context.Context, ip string) (*IPAbuseRecord, error) {
	start := time.Now()
	rec, err := c.storage.GetIPRecord(ctx, ip)
	if err = c.storeCall("get_ip_record", start, err); err != nil {
		return nil, err
	}
	return rec, nil
}
