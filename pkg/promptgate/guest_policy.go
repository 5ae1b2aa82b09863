package promptgate

import (
	"context"
	"errors"
	"time"
)

// admitGuest charges one prompt to an anonymous fingerprint. It runs only after
// checkIP has passed. A missing record counts as zero prompts.
func (c *Controller) admitGuest(ctx context.Context, g Guest) (int, error) {
	if c.atomic != nil {
		start := time.Now()
		count, err := c.atomic.IncrementGuest(ctx, g.Fingerprint, g.IP, c.limits.Guest)
		err = c.storeOp("increment_guest", start, err)
		if errors.Is(err, ErrLimitReached) {
			c.config.Logger.Debug("guest limit reached", Field{"fingerprint", g.Fingerprint}, Field{"count", count})
			return 0, ErrGuestLimitReached
		}
		if err != nil {
			return 0, unhandled("increment_guest", err)
		}
		return count, nil
	}

	current := 0
	rec, err := c.getGuestRecord(ctx, g.Fingerprint)
	if err != nil {
		return 0, err
	}
	if rec != nil {
		current = rec.PromptCount
	}

	if current >= c.limits.Guest {
		c.config.Logger.Debug("guest limit reached", Field{"fingerprint", g.Fingerprint}, Field{"count", current})
		return 0, ErrGuestLimitReached
	}

	start := time.Now()
	err = c.storage.UpsertGuestRecord(ctx, &GuestRecord{
		Fingerprint: g.Fingerprint,
		PromptCount: current + 1,
		LastIP:      g.IP,
	})
	if err = c.storeCall("upsert_guest_record", start, err); err != nil {
		return 0, err
	}
	return current + 1, nil
}

func (c *Controller) getGuestRecord(ctx context.Context, fingerprint string) (*GuestRecord, error) {
	start := time.Now()
	rec, err := c.storage.GetGuestRecord(ctx, fingerprint)
	if err = c.storeCall("get_guest_record", start, err); err != nil {
		return nil, err
	}
	return rec, nil
}
