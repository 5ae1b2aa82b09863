package promptgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"
)

var validate = validator.New()

// Controller admits or denies prompt requests against per-identity quotas.
// It is safe for concurrent use; all state lives in the store.
type Controller struct {
	storage    Storage
	atomic     AtomicStorage
	timeSource TimeSource
	limits     Limits
	config     Config

	migrations singleflight.Group
}

// NewController creates a new admission controller with the given storage and configuration
func NewController(storage Storage, config Config) (*Controller, error) {
	if storage == nil {
		return nil, ErrStoreUnavailable
	}

	// Set defaults
	limits := DefaultLimits()
	if config.Limits != nil {
		limits = *config.Limits
	}
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLimits, err)
	}
	if config.Consistency == "" {
		config.Consistency = ConsistencyAtomic
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Tracer == nil {
		config.Tracer = noop.NewTracerProvider().Tracer("promptgate")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	c := &Controller{
		limits: limits,
		config: config,
	}

	// The clock is taken from the raw store so it survives wrapping
	if ts, ok := storage.(TimeSource); ok {
		c.timeSource = ts
	}

	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		threshold := cbc.FailureThreshold
		if threshold <= 0 {
			threshold = 5
		}
		timeout := cbc.ResetTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		cb := NewDefaultCircuitBreaker(threshold, timeout, func(state CircuitBreakerState) {
			config.Metrics.RecordCircuitBreakerStateChange(string(state))
			config.Logger.Warn("store circuit breaker changed state", Field{"state", string(state)})
		})
		storage = NewCircuitBreakerStorage(storage, cb)
	}
	c.storage = storage

	switch config.Consistency {
	case ConsistencyAtomic:
		as, ok := storage.(AtomicStorage)
		if !ok {
			return nil, ErrAtomicNotSupported
		}
		c.atomic = as
	case ConsistencyReadCheckWrite:
	default:
		return nil, fmt.Errorf("unknown consistency mode %q", config.Consistency)
	}

	return c, nil
}

// Limits returns the limits the controller enforces
func (c *Controller) Limits() Limits {
	return c.limits
}

// Decide admits or denies a request. On ALLOW it returns the new prompt count of
// the identity the request was charged to. On DENY it returns a *Denial and
// nothing has been written. Store failures match ErrStoreUnavailable.
func (c *Controller) Decide(ctx context.Context, req Request) (int, error) {
	if err := validateRequest(req); err != nil {
		return 0, err
	}

	start := time.Now()
	ctx, span := c.config.Tracer.Start(ctx, "promptgate.Decide")
	defer span.End()

	var (
		count int
		err   error
		path  string
	)
	switch id := req.Identity().(type) {
	case Authenticated:
		path = PathUser
		count, err = c.admitUser(ctx, id)
	case Guest:
		path = PathGuest
		count, err = c.admitGuestRequest(ctx, id)
	}

	if _, denied := AsDenial(err); err != nil && !denied && !errors.Is(err, ErrStoreUnavailable) {
		err = &StoreError{Op: path, Err: err}
	}

	code := outcomeCode(err)
	c.config.Metrics.RecordDecision(path, code, time.Since(start))

	span.SetAttributes(
		attribute.String("promptgate.path", path),
		attribute.Bool("promptgate.allowed", err == nil),
	)
	if code != "" {
		span.SetAttributes(attribute.String("promptgate.code", code))
	}
	if errors.Is(err, ErrStoreUnavailable) {
		span.RecordError(err)
		span.SetStatus(codes.Error, CodeStoreUnavailable)
		c.config.Logger.Error("admission failed", Field{"path", path}, Field{"error", err.Error()})
		return 0, err
	}
	if err != nil {
		return 0, err
	}

	c.config.Logger.Debug("admission allowed", Field{"path", path}, Field{"count", count})
	return count, nil
}

// admitGuestRequest runs the IP abuse guard, then the guest quota policy
func (c *Controller) admitGuestRequest(ctx context.Context, g Guest) (int, error) {
	if err := c.checkIP(ctx, g.IP); err != nil {
		return 0, err
	}
	return c.admitGuest(ctx, g)
}

func validateRequest(req Request) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// outcomeCode maps a decision error to the code reported in metrics
func outcomeCode(err error) string {
	if err == nil {
		return ""
	}
	if d, ok := AsDenial(err); ok {
		return string(d.Code)
	}
	return CodeStoreUnavailable
}

// now returns the store's clock when it has one, else the configured clock
func (c *Controller) now(ctx context.Context) time.Time {
	if c.timeSource != nil {
		t, err := c.timeSource.Now(ctx)
		if err == nil {
			return t.UTC()
		}
		c.config.Logger.Warn("store clock unavailable, using local clock", Field{"error", err.Error()})
	}
	return c.config.Now().UTC()
}

// storeOp records a store call and wraps failures in a StoreError.
// Contract outcomes such as ErrRecordExists pass through unwrapped.
func (c *Controller) storeOp(op string, start time.Time, err error) error {
	if err == nil || isContractOutcome(err) {
		c.config.Metrics.RecordStorageOperation(op, time.Since(start), nil)
		return err
	}
	c.config.Metrics.RecordStorageOperation(op, time.Since(start), err)
	return &StoreError{Op: op, Err: err}
}

// storeCall is storeOp for calls that have no expected outcome: every error,
// contract outcomes included, comes back as a StoreError.
func (c *Controller) storeCall(op string, start time.Time, err error) error {
	if err != nil && isContractOutcome(err) {
		err = &StoreError{Op: op, Err: err}
		c.config.Metrics.RecordStorageOperation(op, time.Since(start), err)
		return err
	}
	return c.storeOp(op, start, err)
}

// unhandled wraps a contract outcome the caller did not act on
func unhandled(op string, err error) error {
	if err != nil && isContractOutcome(err) {
		return &StoreError{Op: op, Err: err}
	}
	return err
}
