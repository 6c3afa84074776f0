package blobstore

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ComputeID returns the CIDv1 (raw codec, sha2-256) of data in its default
// base32 string form.
func ComputeID(data []byte) (string, error) {
	digest, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hash blob: %w", err)
	}
	return cid.NewCidV1(cid.Raw, digest).String(), nil
}

// ParseID validates id as a sha2-256 content identifier and returns its
// canonical string form.
func ParseID(id string) (string, error) {
	c, err := cid.Decode(id)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if c.Prefix().MhType != multihash.SHA2_256 {
		return "", fmt.Errorf("%w: unsupported hash 0x%x", ErrInvalidID, c.Prefix().MhType)
	}
	return c.String(), nil
}

// Verify reports whether data hashes to id.
func Verify(id string, data []byte) bool {
	computed, err := ComputeID(data)
	if err != nil {
		return false
	}
	canonical, err := ParseID(id)
	if err != nil {
		return false
	}
	return computed == canonical
}
