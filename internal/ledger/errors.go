package ledger

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// MaxDurationSeconds is the longest duration whose expiry can be computed
// without overflowing a time.Duration.
const MaxDurationSeconds = math.MaxInt64 / int64(time.Second)

var (
	// ErrRegistrationConflict indicates the identifier already has an expiry record.
	ErrRegistrationConflict = errors.New("identifier already registered")
	// ErrUnknownIdentifier signals that the identifier was never registered.
	ErrUnknownIdentifier = errors.New("unknown identifier")
	// ErrLedgerUnavailable covers transport, consensus and timeout failures.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrInconsistentRegistration is returned when a retried registration finds
	// a record that does not match the one being written.
	ErrInconsistentRegistration = errors.New("ledger registration inconsistent with retried write")
	// ErrInvalidDuration rejects non-positive durations and durations above
	// MaxDurationSeconds.
	ErrInvalidDuration = errors.New("duration out of range")
	// ErrInvalidIdentifier rejects empty identifiers.
	ErrInvalidIdentifier = errors.New("identifier is required")
)

// ConflictError reports a write-once violation together with the record
// already held by the ledger.
type ConflictError struct {
	Existing Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s expires at %s", ErrRegistrationConflict, e.Existing.ID, e.Existing.ExpiresAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

// Is lets errors.Is match ErrRegistrationConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrRegistrationConflict
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrLedgerUnavailable, op, err)
}

func validDuration(durationSeconds int64) bool {
	return durationSeconds > 0 && durationSeconds <= MaxDurationSeconds
}
