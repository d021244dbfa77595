package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/medconnect/realtime/internal/platform/db"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

const minPasswordLength = 8

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// Service implements the login / refresh / logout / password-change flows on
// top of the SessionStore.
type Service struct {
	store      *SessionStore
	identities IdentityRepository
	bcryptCost int
}

// NewService creates a new auth service.
func NewService(store *SessionStore, identities IdentityRepository) *Service {
	return &Service{store: store, identities: identities, bcryptCost: bcrypt.DefaultCost}
}

// Store returns the underlying session store.
func (s *Service) Store() *SessionStore { return s.store }

// Login verifies email and password and issues a fresh token pair.
func (s *Service) Login(ctx context.Context, email, password string, meta SessionMeta) (*Identity, *TokenPair, error) {
	ident, hash, err := s.identities.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("lookup identity: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, nil, ErrInvalidCredentials
	}
	if !ident.Active {
		return nil, nil, ErrInvalidCredentials
	}
	pair, err := s.issuePair(ctx, ident.ID, meta)
	if err != nil {
		return nil, nil, err
	}
	return ident, pair, nil
}

// Refresh rotates a refresh credential into a new token pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta SessionMeta) (*TokenPair, error) {
	var pair *TokenPair
	err := s.store.RotateRefresh(ctx, refreshToken, func(ctx context.Context, ident *Identity) error {
		var err error
		pair, err = s.issuePair(ctx, ident.ID, meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func (s *Service) issuePair(ctx context.Context, userID uuid.UUID, meta SessionMeta) (*TokenPair, error) {
	access, accessExp, err := s.store.Issue(ctx, userID, meta)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.store.IssueRefresh(ctx, userID, meta)
	if err != nil {
		// Inside a transaction the rollback already discards the access row.
		if db.TxFromContext(ctx) == nil {
			if rerr := s.store.Revoke(ctx, access); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
		}
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Logout revokes the presented access token and, if given, its refresh credential.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if err := s.store.Revoke(ctx, accessToken); err != nil {
		return err
	}
	return s.store.RevokeRefresh(ctx, refreshToken)
}

// LogoutAll revokes every session of userID and disconnects all its devices.
func (s *Service) LogoutAll(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.store.RevokeAll(ctx, userID)
}

// ChangePassword replaces the password hash and revokes every session. No
// live connection of the user survives a successful call.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, next string) error {
	if len(next) < minPasswordLength {
		return ErrWeakPassword
	}
	hash, err := s.identities.GetPasswordHash(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("lookup password: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}
	newHash, err := bcrypt.GenerateFromPassword([]byte(next), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.identities.UpdatePasswordHash(ctx, userID, string(newHash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if _, err := s.store.RevokeAll(ctx, userID); err != nil {
		return err
	}
	return nil
}
