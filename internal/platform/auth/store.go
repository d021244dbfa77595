package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medconnect/realtime/internal/platform/db"
)

// ErrInvalidSession is the single authentication failure. Callers must not
// distinguish expired, revoked, and unknown tokens.
var ErrInvalidSession = errors.New("invalid session")

// Disconnector closes every live connection of a user. The connection registry
// implements it.
type Disconnector interface {
	ForceDisconnect(userID uuid.UUID) int
}

// SessionStore issues, validates, and revokes opaque bearer tokens. It is the
// only authority for both HTTP requests and connection handshakes.
type SessionStore struct {
	sessions     SessionRepository
	identities   IdentityRepository
	refresh      *RefreshIssuer
	accessTTL    time.Duration
	disconnector Disconnector
	tx           db.TxRunner
	logger       zerolog.Logger
	now          func() time.Time
}

// NewSessionStore creates a SessionStore issuing access tokens valid for accessTTL.
func NewSessionStore(sessions SessionRepository, identities IdentityRepository, refresh *RefreshIssuer, accessTTL time.Duration, logger zerolog.Logger) *SessionStore {
	return &SessionStore{
		sessions:   sessions,
		identities: identities,
		refresh:    refresh,
		accessTTL:  accessTTL,
		logger:     logger.With().Str("component", "session_store").Logger(),
		now:        time.Now,
	}
}

// SetDisconnector attaches the registry used by RevokeAll.
func (s *SessionStore) SetDisconnector(d Disconnector) {
	s.disconnector = d
}

// SetTxRunner makes refresh rotation and RevokeAll run in transactions
// holding the user's session lock, so a rotation cannot mint sessions that
// outlive a concurrent RevokeAll.
func (s *SessionStore) SetTxRunner(tx db.TxRunner) {
	s.tx = tx
}

func (s *SessionStore) lockedFor(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.sessions.LockUser(ctx, userID); err != nil {
			return fmt.Errorf("lock sessions: %w", err)
		}
		return fn(ctx)
	})
}

// Issue creates a new access-class session for userID.
func (s *SessionStore) Issue(ctx context.Context, userID uuid.UUID, meta SessionMeta) (string, time.Time, error) {
	token, err := newOpaqueToken()
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.now().UTC()
	sess := &Session{
		TokenHash: hashToken(token),
		UserID:    userID,
		Kind:      KindAccess,
		ExpiresAt: now.Add(s.accessTTL),
		CreatedAt: now,
		UserAgent: meta.UserAgent,
		IP:        meta.IP,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return "", time.Time{}, fmt.Errorf("create session: %w", err)
	}
	return token, sess.ExpiresAt, nil
}

// IssueRefresh mints a refresh credential and records its jti as a
// refresh-kind session so that it can be revoked.
func (s *SessionStore) IssueRefresh(ctx context.Context, userID uuid.UUID, meta SessionMeta) (string, time.Time, error) {
	if s.refresh == nil {
		return "", time.Time{}, errors.New("refresh credentials are not configured")
	}
	token, jti, expiresAt, err := s.refresh.Mint(userID)
	if err != nil {
		return "", time.Time{}, err
	}
	sess := &Session{
		TokenHash: hashToken(jti),
		UserID:    userID,
		Kind:      KindRefresh,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: s.now().UTC(),
		UserAgent: meta.UserAgent,
		IP:        meta.IP,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return "", time.Time{}, fmt.Errorf("create refresh session: %w", err)
	}
	return token, expiresAt, nil
}

// Validate resolves token to an active Identity. Expired rows are deleted
// on the way out.
func (s *SessionStore) Validate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidSession
	}
	hash := hashToken(token)
	sess, err := s.sessions.GetByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if sess.Kind != KindAccess {
		return nil, ErrInvalidSession
	}
	if sess.Expired(s.now()) {
		if err := s.sessions.DeleteByTokenHash(ctx, hash); err != nil && !errors.Is(err, ErrSessionNotFound) {
			s.logger.Warn().Err(err).Str("user_id", sess.UserID.String()).Msg("failed to delete expired session")
		}
		return nil, ErrInvalidSession
	}
	return s.activeIdentity(ctx, sess.UserID)
}

// ConsumeRefresh verifies a refresh credential and deletes its session row so
// that it can only be used once. It returns the owning user.
func (s *SessionStore) ConsumeRefresh(ctx context.Context, token string) (*Identity, error) {
	if s.refresh == nil {
		return nil, ErrInvalidSession
	}
	claims, err := s.refresh.Parse(token)
	if err != nil {
		return nil, ErrInvalidSession
	}
	hash := hashToken(claims.ID)
	sess, err := s.sessions.GetByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("lookup refresh session: %w", err)
	}
	if sess.Kind != KindRefresh || sess.UserID.String() != claims.Subject {
		return nil, ErrInvalidSession
	}
	if err := s.sessions.DeleteByTokenHash(ctx, hash); err != nil {
		// Another rotation or a revocation removed the row first.
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("rotate refresh session: %w", err)
	}
	if sess.Expired(s.now()) {
		return nil, ErrInvalidSession
	}
	return s.activeIdentity(ctx, sess.UserID)
}

// RotateRefresh consumes a refresh credential and calls issue for its owner
// while holding the owner's session lock.
func (s *SessionStore) RotateRefresh(ctx context.Context, token string, issue func(ctx context.Context, ident *Identity) error) error {
	if s.refresh == nil {
		return ErrInvalidSession
	}
	claims, err := s.refresh.Parse(token)
	if err != nil {
		return ErrInvalidSession
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return ErrInvalidSession
	}
	return s.lockedFor(ctx, userID, func(ctx context.Context) error {
		ident, err := s.ConsumeRefresh(ctx, token)
		if err != nil {
			return err
		}
		return issue(ctx, ident)
	})
}

func (s *SessionStore) activeIdentity(ctx context.Context, userID uuid.UUID) (*Identity, error) {
	ident, err := s.identities.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("lookup identity: %w", err)
	}
	if !ident.Active {
		return nil, ErrInvalidSession
	}
	return ident, nil
}

// Revoke deletes the session for token. Unknown tokens are not an error.
func (s *SessionStore) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.sessions.DeleteByTokenHash(ctx, hashToken(token)); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeRefresh deletes the session backing a refresh credential. Invalid or
// unknown credentials are ignored.
func (s *SessionStore) RevokeRefresh(ctx context.Context, token string) error {
	if s.refresh == nil || token == "" {
		return nil
	}
	claims, err := s.refresh.Parse(token)
	if err != nil {
		return nil
	}
	if err := s.sessions.DeleteByTokenHash(ctx, hashToken(claims.ID)); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// RevokeAll deletes every session of userID and then closes every live
// connection of that user. When it returns nil no connection of the user
// remains registered.
func (s *SessionStore) RevokeAll(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int64
	err := s.lockedFor(ctx, userID, func(ctx context.Context) error {
		var err error
		n, err = s.sessions.DeleteByUser(ctx, userID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	closed := 0
	if s.disconnector != nil {
		closed = s.disconnector.ForceDisconnect(userID)
	}
	s.logger.Info().
		Str("user_id", userID.String()).
		Int64("sessions", n).
		Int("connections", closed).
		Msg("revoked all sessions")
	return int(n), nil
}

// ListSessions returns the live sessions of userID.
func (s *SessionStore) ListSessions(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	items, err := s.sessions.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	live := items[:0]
	for _, it := range items {
		if !it.Expired(now) {
			live = append(live, it)
		}
	}
	return live, nil
}

// PurgeExpired deletes every session whose expiry has passed.
func (s *SessionStore) PurgeExpired(ctx context.Context) (int64, error) {
	return s.sessions.DeleteExpired(ctx, s.now().UTC())
}
