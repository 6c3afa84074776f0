package access

import "errors"

// External error kinds. Each maps to one HTTP status; the underlying
// collaborator error stays wrapped for logging.
var (
	// ErrInvalidInput rejects requests before any collaborator is touched.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPayloadTooLarge is returned for uploads above the configured limit.
	ErrPayloadTooLarge = errors.New("file too large")
	// ErrRegistrationConflict means the identifier is already registered.
	ErrRegistrationConflict = errors.New("file already registered")
	// ErrServiceUnavailable covers ledger or blob store outages and timeouts.
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
	// ErrAccessDenied is returned for expired or unknown files and for
	// invalid or expired view tokens.
	ErrAccessDenied = errors.New("access denied")
	// ErrPartialUpload means the ledger registered the file but the blob
	// write failed. The registration cannot be rolled back.
	ErrPartialUpload = errors.New("upload registered but content was not stored")
	// ErrInconsistentState means the ledger and blob store disagree.
	ErrInconsistentState = errors.New("ledger and blob store are inconsistent")
)

// inputError carries a reason that is safe to show to the caller.
type inputError struct {
	reason string
}

func invalidInput(reason string) error {
	return &inputError{reason: reason}
}

func (e *inputError) Error() string {
	return ErrInvalidInput.Error() + ": " + e.reason
}

// Is lets errors.Is match ErrInvalidInput.
func (e *inputError) Is(target error) bool {
	return target == ErrInvalidInput
}
