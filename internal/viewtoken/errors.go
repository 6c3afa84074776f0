package viewtoken

import "errors"

var (
	// ErrInvalidToken covers malformed tokens, bad signatures and wrong audience.
	ErrInvalidToken = errors.New("invalid view token")
	// ErrTokenExpired is returned once the token's own window has elapsed.
	ErrTokenExpired = errors.New("view token expired")
	// ErrTokenMismatch means the token is bound to a different identifier.
	ErrTokenMismatch = errors.New("view token not issued for this file")
	// ErrWindowClosed is returned by Mint when notAfter leaves no usable window.
	ErrWindowClosed = errors.New("access window already closed")
)
