package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const refreshTokenType = "refresh"

// RefreshClaims are the claims carried by a refresh credential. The jti is the
// key of the refresh-kind session row that makes the credential revocable.
type RefreshClaims struct {
	jwt.RegisteredClaims
	TokenType string `json:"typ"`
}

// RefreshIssuer mints and verifies HS256 refresh credentials.
type RefreshIssuer struct {
	key    []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewRefreshIssuer creates a RefreshIssuer signing with key.
func NewRefreshIssuer(key []byte, ttl time.Duration, issuer string) *RefreshIssuer {
	return &RefreshIssuer{key: key, ttl: ttl, issuer: issuer, now: time.Now}
}

// TTL returns the lifetime of minted credentials.
func (r *RefreshIssuer) TTL() time.Duration { return r.ttl }

// Mint signs a new refresh credential for userID and returns it together with
// its jti and expiry.
func (r *RefreshIssuer) Mint(userID uuid.UUID) (string, string, time.Time, error) {
	now := r.now()
	expiresAt := now.Add(r.ttl)
	jti := uuid.New().String()

	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    r.issuer,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TokenType: refreshTokenType,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.key)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, jti, expiresAt, nil
}

// Parse verifies signature, issuer, expiry, and token type.
func (r *RefreshIssuer) Parse(token string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(r.now),
		jwt.WithExpirationRequired(),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return r.key, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidSession
	}
	if claims.TokenType != refreshTokenType || claims.ID == "" {
		return nil, ErrInvalidSession
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, errors.Join(ErrInvalidSession, err)
	}
	return claims, nil
}
