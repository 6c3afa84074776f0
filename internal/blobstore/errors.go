package blobstore

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists indicates the identifier already has content.
	ErrAlreadyExists = errors.New("blob already exists")
	// ErrNotFound signals that no blob is stored under the identifier.
	ErrNotFound = errors.New("blob not found")
	// ErrUnavailable covers backend transport failures and timeouts.
	ErrUnavailable = errors.New("blob store unavailable")
	// ErrInvalidID rejects identifiers that are not content identifiers.
	ErrInvalidID = errors.New("invalid content identifier")
	// ErrDataInconsistent is returned when data does not hash to the
	// identifier it is being stored under.
	ErrDataInconsistent = errors.New("blob does not match content identifier")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
