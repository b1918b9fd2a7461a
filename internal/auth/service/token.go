package service

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	enginerrors "kinvault/pkg/engine-errors"
)

// DefaultTokenTTL is how long a transport session token stays valid. It
// gates access to the storage API only; it carries no key material and
// cannot decrypt anything.
const DefaultTokenTTL = 30 * time.Minute

// TokenIssuer mints and verifies the HS256 transport session tokens handed
// out at login finish.
type TokenIssuer struct {
	signingKey []byte
	ttl        time.Duration
	clock      func() time.Time
}

// TokenOption configures a TokenIssuer.
type TokenOption func(*TokenIssuer)

// WithTokenTTL overrides the token lifetime.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(t *TokenIssuer) { t.ttl = ttl }
}

// WithTokenClock injects a deterministic clock for tests.
func WithTokenClock(clock func() time.Time) TokenOption {
	return func(t *TokenIssuer) { t.clock = clock }
}

func NewTokenIssuer(signingKey []byte, opts ...TokenOption) *TokenIssuer {
	t := &TokenIssuer{signingKey: signingKey, ttl: DefaultTokenTTL, clock: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Mint issues a token bound to a client identifier.
func (t *TokenIssuer) Mint(clientID string) (string, error) {
	now := t.clock()
	claims := jwt.RegisteredClaims{
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		ID:        uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.signingKey)
	if err != nil {
		return "", enginerrors.Wrap(enginerrors.CodeProtocolError, "minting session token", err)
	}
	return token, nil
}

// Validate parses and verifies a token, returning the client identifier.
func (t *TokenIssuer) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, enginerrors.New(enginerrors.CodeAuthenticationFailed, "unexpected signing method")
		}
		return t.signingKey, nil
	}, jwt.WithTimeFunc(t.clock))
	if err != nil || !token.Valid {
		return "", enginerrors.New(enginerrors.CodeAuthenticationFailed, "invalid or expired token")
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", enginerrors.New(enginerrors.CodeAuthenticationFailed, "invalid or expired token")
	}
	return claims.Subject, nil
}
