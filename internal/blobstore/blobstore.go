// Package blobstore keeps sealed file contents addressed by content
// identifier. Stores are write-once: there is no update or delete.
package blobstore

import "context"

// Metadata describes the plaintext a blob was sealed from.
type Metadata struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Object is a stored blob together with its metadata.
type Object struct {
	Metadata Metadata
	Data     []byte
}

// Store persists opaque byte payloads under a content identifier.
type Store interface {
	// Put stores data under id. Fails with ErrAlreadyExists if id has content.
	Put(ctx context.Context, id string, data []byte, meta Metadata) error
	// Get returns the blob for id or ErrNotFound.
	Get(ctx context.Context, id string) (Object, error)
	// Stat returns the metadata for id without reading the blob, or ErrNotFound.
	Stat(ctx context.Context, id string) (Metadata, error)
	// Ping checks backend reachability.
	Ping(ctx context.Context) error
}
