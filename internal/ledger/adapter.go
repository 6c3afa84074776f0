package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abduss/timelock/internal/config"
	"github.com/abduss/timelock/internal/metrics"
	"go.uber.org/zap"
)

// Adapter is the ledger surface consumed by the access mediator. It bounds
// every backend call by a timeout and makes Register safe to retry.
type Adapter struct {
	registry  Registry
	timeout   time.Duration
	attempts  int
	backoff   time.Duration
	tolerance time.Duration
	log       *zap.Logger
	nowFunc   func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewAdapter wraps registry using the timing knobs from cfg.
func NewAdapter(registry Registry, cfg config.LedgerConfig, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Adapter{
		registry:  registry,
		timeout:   cfg.Timeout,
		attempts:  attempts,
		backoff:   cfg.RetryBackoff,
		tolerance: cfg.ConflictTolerance,
		log:       log.Named("ledger"),
		nowFunc:   time.Now,
		sleep:     sleepContext,
	}
}

// Register writes the expiry record for id. A conflict seen on the first
// attempt is always returned as-is. A conflict seen after an unavailable
// attempt is checked against what this call tried to write: a match means the
// earlier attempt landed and is reported as success, anything else is
// ErrInconsistentRegistration.
func (a *Adapter) Register(ctx context.Context, id string, durationSeconds int64) (Record, error) {
	if id == "" {
		return Record{}, ErrInvalidIdentifier
	}
	if !validDuration(durationSeconds) {
		return Record{}, ErrInvalidDuration
	}

	startedAt := a.nowFunc()
	retried := false
	var lastErr error

	for attempt := 1; attempt <= a.attempts; attempt++ {
		var rec Record
		err := a.call(ctx, "register", func(ctx context.Context) error {
			var err error
			rec, err = a.registry.Register(ctx, id, durationSeconds)
			return err
		})

		var conflict *ConflictError
		switch {
		case err == nil:
			return rec, nil

		case errors.As(err, &conflict):
			if !retried {
				return Record{}, err
			}
			if a.matchesPriorAttempt(conflict.Existing, durationSeconds, startedAt) {
				a.log.Info("retried registration found prior write",
					zap.String("id", id),
					zap.Int("attempt", attempt),
					zap.Time("expires_at", conflict.Existing.ExpiresAt),
				)
				return conflict.Existing, nil
			}
			a.log.Error("retried registration conflicts with foreign record",
				zap.String("id", id),
				zap.Int64("duration_seconds", durationSeconds),
				zap.Int64("existing_duration_seconds", conflict.Existing.DurationSeconds),
				zap.Time("existing_registered_at", conflict.Existing.RegisteredAt),
				zap.Time("attempt_started_at", startedAt),
			)
			return Record{}, fmt.Errorf("%w: %w", ErrInconsistentRegistration, err)

		case errors.Is(err, ErrLedgerUnavailable):
			retried = true
			lastErr = err
			a.log.Warn("ledger register failed",
				zap.String("id", id),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if attempt < a.attempts {
				if err := a.sleep(ctx, a.backoff*time.Duration(attempt)); err != nil {
					return Record{}, unavailable("register", err)
				}
			}

		default:
			return Record{}, err
		}
	}

	return Record{}, lastErr
}

// IsBeforeExpiry reports whether the ledger clock is still before id's expiry.
func (a *Adapter) IsBeforeExpiry(ctx context.Context, id string) (bool, error) {
	var active bool
	err := a.call(ctx, "is_before_expiry", func(ctx context.Context) error {
		var err error
		active, err = a.registry.IsBeforeExpiry(ctx, id)
		return err
	})
	return active, err
}

// Status returns id's record and the ledger clock reading.
func (a *Adapter) Status(ctx context.Context, id string) (Status, error) {
	var st Status
	err := a.call(ctx, "status", func(ctx context.Context) error {
		var err error
		st, err = a.registry.Status(ctx, id)
		return err
	})
	return st, err
}

// Ping checks that the backend answers within the call timeout.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.call(ctx, "ping", a.registry.Ping)
}

func (a *Adapter) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	started := time.Now()
	err := fn(ctx)
	if err != nil && !errors.Is(err, ErrLedgerUnavailable) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = unavailable(op, err)
	}
	metrics.ObserveLedgerCall(op, outcome(err), time.Since(started))
	return err
}

func (a *Adapter) matchesPriorAttempt(existing Record, durationSeconds int64, startedAt time.Time) bool {
	if existing.DurationSeconds != durationSeconds {
		return false
	}
	skew := existing.RegisteredAt.Sub(startedAt)
	if skew < 0 {
		skew = -skew
	}
	return skew <= a.tolerance
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRegistrationConflict):
		return "conflict"
	case errors.Is(err, ErrUnknownIdentifier):
		return "unknown"
	case errors.Is(err, ErrLedgerUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
