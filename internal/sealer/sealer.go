// Package sealer enciphers file contents before they reach the blob store.
package sealer

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	formatV1 byte = 1

	// MasterKeySize is the length of the key blob keys are derived from.
	MasterKeySize = 32
	saltSize      = 16
	headerSize    = 1 + saltSize + chacha20poly1305.NonceSizeX
)

var hkdfInfo = []byte("timelock blob v1")

var (
	// ErrCorrupt is returned when a sealed blob fails authentication or is
	// not in a recognized format.
	ErrCorrupt = errors.New("sealed blob is corrupt")
	// ErrInvalidKey rejects master keys of the wrong size.
	ErrInvalidKey = errors.New("sealer master key must be 32 bytes")
)

// Sealer turns plaintext into an opaque byte stream and back.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// XChaCha seals with XChaCha20-Poly1305 under a key derived per blob from a
// master key and a random salt. Sealed layout:
//
//	version(1) | salt(16) | nonce(24) | ciphertext+tag
type XChaCha struct {
	master []byte
	rand   io.Reader
}

// NewXChaCha builds a sealer around masterKey.
func NewXChaCha(masterKey []byte) (*XChaCha, error) {
	if len(masterKey) != MasterKeySize {
		return nil, ErrInvalidKey
	}
	key := make([]byte, MasterKeySize)
	copy(key, masterKey)
	return &XChaCha{master: key, rand: rand.Reader}, nil
}

// NewXChaChaFromHex decodes a hex master key. An empty string yields a random
// key, in which case generated reports true.
func NewXChaChaFromHex(masterHex string) (s *XChaCha, generated bool, err error) {
	if masterHex == "" {
		key := make([]byte, MasterKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, false, fmt.Errorf("generate master key: %w", err)
		}
		s, err := NewXChaCha(key)
		return s, true, err
	}

	key, err := hex.DecodeString(masterHex)
	if err != nil {
		return nil, false, fmt.Errorf("decode master key: %w", err)
	}
	s, err = NewXChaCha(key)
	return s, false, err
}

func (x *XChaCha) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, headerSize, headerSize+len(plaintext)+chacha20poly1305.Overhead)
	out[0] = formatV1
	salt := out[1 : 1+saltSize]
	nonce := out[1+saltSize : headerSize]

	if _, err := io.ReadFull(x.rand, salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	if _, err := io.ReadFull(x.rand, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	aead, err := x.aead(salt)
	if err != nil {
		return nil, err
	}
	return aead.Seal(out, nonce, plaintext, out[:1]), nil
}

func (x *XChaCha) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < headerSize+chacha20poly1305.Overhead || sealed[0] != formatV1 {
		return nil, ErrCorrupt
	}
	salt := sealed[1 : 1+saltSize]
	nonce := sealed[1+saltSize : headerSize]

	aead, err := x.aead(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, sealed[headerSize:], sealed[:1])
	if err != nil {
		return nil, ErrCorrupt
	}
	return plaintext, nil
}

func (x *XChaCha) aead(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, x.master, salt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive blob key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return aead, nil
}

var _ Sealer = (*XChaCha)(nil)
