// Package ledger records write-once expiry timestamps and answers whether the
// ledger's own clock is still before a recorded expiry.
package ledger

import (
	"context"
	"time"
)

// Record is the immutable expiry entry for one identifier.
type Record struct {
	ID              string    `json:"id"`
	DurationSeconds int64     `json:"duration_seconds"`
	RegisteredAt    time.Time `json:"registered_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Status is a point-in-time read of a record against the ledger clock.
type Status struct {
	Record
	LedgerTime time.Time `json:"ledger_time"`
	Active     bool      `json:"active"`
}

// Remaining returns how long the record stays active according to the
// ledger clock at the time of the read.
func (s Status) Remaining() time.Duration {
	if !s.Active {
		return 0
	}
	return s.ExpiresAt.Sub(s.LedgerTime)
}

// Registry is a ledger backend. Implementations own the clock used for both
// registration and expiry checks, and must resolve concurrent registrations
// of one identifier to a single winner.
type Registry interface {
	// Register records id as expiring durationSeconds after the ledger's
	// current time. An existing record yields a *ConflictError.
	Register(ctx context.Context, id string, durationSeconds int64) (Record, error)
	// IsBeforeExpiry reports ledgerNow < expiry for id.
	IsBeforeExpiry(ctx context.Context, id string) (bool, error)
	// Status returns the record together with the ledger clock reading.
	Status(ctx context.Context, id string) (Status, error)
	// Ping checks backend reachability.
	Ping(ctx context.Context) error
}
