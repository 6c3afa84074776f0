package access

import (
	"time"

	"github.com/abduss/timelock/internal/blobstore"
)

// UploadInput carries one file to be time-locked.
type UploadInput struct {
	Filename        string
	ContentType     string
	Data            []byte
	DurationSeconds int64
}

// UploadResult identifies a stored file and when access to it ends.
type UploadResult struct {
	ID        string    `json:"fileHash"`
	ExpiresAt time.Time `json:"expiry"`
}

// File is decrypted content ready to be served.
type File struct {
	blobstore.Metadata
	Data []byte
}

// ViewGrant is a minted preview token.
type ViewGrant struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Options tunes the mediator.
type Options struct {
	// MaxUploadBytes caps the plaintext size. Zero means no limit.
	MaxUploadBytes int64
	// MaxDuration caps the requested access window. Zero means no limit.
	MaxDuration time.Duration
	// StoreTimeout bounds each blob store call. Zero leaves the caller's
	// context as the only bound.
	StoreTimeout time.Duration
}
