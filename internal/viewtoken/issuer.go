// Package viewtoken mints and verifies short-lived bearer tokens that gate
// inline previews of a single file. Tokens are self-contained HS256 JWTs, so
// verification needs no external lookup.
package viewtoken

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abduss/timelock/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Audience is the only audience view tokens are accepted for.
const Audience = "timelock-view"

const generatedSecretSize = 32

// Token is a minted view token.
type Token struct {
	Value     string
	ID        string
	ExpiresAt time.Time
}

// Issuer signs and verifies view tokens. It holds no mutable state after
// construction and is safe for concurrent use.
type Issuer struct {
	secret    []byte
	ttl       time.Duration
	issuer    string
	ephemeral bool
	nowFunc   func() time.Time
	parser    *jwt.Parser
}

// NewIssuer builds an Issuer from cfg. When cfg.Secret is empty a random
// secret is generated; tokens then do not survive a restart.
func NewIssuer(cfg config.ViewTokenConfig) (*Issuer, error) {
	if cfg.TTL <= 0 || cfg.TTL > config.MaxViewTokenTTL {
		return nil, fmt.Errorf("view token ttl %s out of range (0, %s]", cfg.TTL, config.MaxViewTokenTTL)
	}

	secret := []byte(cfg.Secret)
	ephemeral := false
	if len(secret) == 0 {
		secret = make([]byte, generatedSecretSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate view token secret: %w", err)
		}
		ephemeral = true
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "timelock"
	}

	i := &Issuer{
		secret:    secret,
		ttl:       cfg.TTL,
		issuer:    issuer,
		ephemeral: ephemeral,
		nowFunc:   time.Now,
	}
	i.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return i.nowFunc() }),
	)
	return i, nil
}

// TTL reports the configured token window.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Ephemeral reports whether the signing secret was generated at startup.
func (i *Issuer) Ephemeral() bool { return i.ephemeral }

// Mint signs a token for id expiring at now+TTL, or at notAfter if that is
// earlier. A zero notAfter applies no cap. Expiry is truncated to whole
// seconds, the precision of the exp claim.
func (i *Issuer) Mint(id string, notAfter time.Time) (Token, error) {
	if strings.TrimSpace(id) == "" {
		return Token{}, ErrInvalidToken
	}

	now := i.nowFunc()
	expiresAt := now.Add(i.ttl)
	if !notAfter.IsZero() && notAfter.Before(expiresAt) {
		expiresAt = notAfter
	}
	expiresAt = expiresAt.Truncate(time.Second)
	if !now.Before(expiresAt) {
		return Token{}, ErrWindowClosed
	}

	tokenID := uuid.NewString()
	claims := jwt.RegisteredClaims{
		ID:        tokenID,
		Subject:   id,
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign view token: %w", err)
	}

	return Token{Value: signed, ID: tokenID, ExpiresAt: expiresAt.UTC()}, nil
}

// Verify checks the signature, issuer, audience and expiry of token and that
// it was minted for id.
func (i *Issuer) Verify(token, id string) error {
	if strings.TrimSpace(token) == "" {
		return ErrInvalidToken
	}

	var claims jwt.RegisteredClaims
	parsed, err := i.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}

	if claims.Subject != id {
		return ErrTokenMismatch
	}
	return nil
}
