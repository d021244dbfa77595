package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenKind distinguishes access-class sessions from refresh credentials.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Session is the durable record backing one issued bearer token. Only the
// SHA-256 of the token is stored.
type Session struct {
	ID        uuid.UUID `db:"id" json:"id"`
	TokenHash string    `db:"token_hash" json:"-"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Kind      TokenKind `db:"kind" json:"kind"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UserAgent string    `db:"user_agent" json:"user_agent,omitempty"`
	IP        string    `db:"ip" json:"ip,omitempty"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionMeta carries request details recorded alongside a new session.
type SessionMeta struct {
	UserAgent string
	IP        string
}

var ErrSessionNotFound = errors.New("session not found")

// SessionRepository defines the data access interface for sessions.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByTokenHash(ctx context.Context, hash string) (*Session, error)
	// DeleteByTokenHash returns ErrSessionNotFound when no row was deleted.
	DeleteByTokenHash(ctx context.Context, hash string) error
	DeleteByUser(ctx context.Context, userID uuid.UUID) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*Session, error)
	// LockUser serializes session changes of userID until the surrounding
	// transaction ends.
	LockUser(ctx context.Context, userID uuid.UUID) error
}

// newOpaqueToken returns 32 random bytes, base64url encoded.
func newOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashToken is the lookup key stored in place of the bearer token.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
