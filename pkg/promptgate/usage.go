package promptgate

import (
	"context"
	"fmt"
	"time"
)

// Usage returns the quota standing of the identity behind req without writing.
// For a user that has not been seen yet, Used previews the guest usage the
// first authenticated request would inherit.
func (c *Controller) Usage(ctx context.Context, req Request) (*Usage, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	switch id := req.Identity().(type) {
	case Authenticated:
		stats, err := c.getUserStats(ctx, id.UserID)
		if err != nil {
			return nil, err
		}
		if stats != nil {
			return newUsage(UsageKindUser, stats.PromptCount, c.limits.Total), nil
		}
		guest, err := c.getGuestRecord(ctx, id.Fingerprint)
		if err != nil {
			return nil, err
		}
		used := 0
		if guest != nil {
			used = guest.PromptCount
		}
		return newUsage(UsageKindUser, used, c.limits.Total), nil

	case Guest:
		guest, err := c.getGuestRecord(ctx, id.Fingerprint)
		if err != nil {
			return nil, err
		}
		used := 0
		if guest != nil {
			used = guest.PromptCount
		}
		return newUsage(UsageKindGuest, used, c.limits.Guest), nil
	}

	return nil, ErrInvalidRequest
}

// BlockIP marks ip as blocked for guest traffic. Blocks are permanent; the
// controller offers no way to lift them.
func (c *Controller) BlockIP(ctx context.Context, ip string) error {
	if ip == "" {
		return fmt.Errorf("%w: ip is required", ErrInvalidRequest)
	}

	start := time.Now()
	if err := c.storeCall("block_ip", start, c.storage.BlockIP(ctx, ip, c.now(ctx))); err != nil {
		return err
	}
	c.config.Logger.Info("ip blocked", Field{"ip", ip})
	return nil
}

func newUsage(kind UsageKind, used, limit int) *Usage {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return &Usage{
		Kind:      kind,
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
	}
}
