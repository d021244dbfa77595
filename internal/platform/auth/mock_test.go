package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

var testRefreshKey = []byte("test-refresh-key-for-unit-tests-only!!")

type mockSessionRepo struct {
	mu      sync.Mutex
	byHash  map[string]*Session
	failGet error

	// failCreate makes Create fail for sessions of that kind; beforeDelete
	// runs at the start of DeleteByTokenHash, outside the lock.
	failCreate   TokenKind
	beforeDelete func()
	locks        []uuid.UUID
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{byHash: make(map[string]*Session)}
}

func (m *mockSessionRepo) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byHash[s.TokenHash]; ok {
		return errors.New("duplicate token hash")
	}
	if m.failCreate != "" && s.Kind == m.failCreate {
		return errors.New("insert failed")
	}
	s.ID = uuid.New()
	cp := *s
	m.byHash[s.TokenHash] = &cp
	return nil
}

func (m *mockSessionRepo) GetByTokenHash(_ context.Context, hash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	s, ok := m.byHash[hash]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockSessionRepo) DeleteByTokenHash(_ context.Context, hash string) error {
	m.mu.Lock()
	hook := m.beforeDelete
	m.beforeDelete = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byHash[hash]; !ok {
		return ErrSessionNotFound
	}
	delete(m.byHash, hash)
	return nil
}

func (m *mockSessionRepo) LockUser(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks = append(m.locks, userID)
	return nil
}

func (m *mockSessionRepo) lockedUsers() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.locks...)
}

func (m *mockSessionRepo) DeleteByUser(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, s := range m.byHash {
		if s.UserID == userID {
			delete(m.byHash, h)
			n++
		}
	}
	return n, nil
}

func (m *mockSessionRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for h, s := range m.byHash {
		if !s.ExpiresAt.After(before) {
			delete(m.byHash, h)
			n++
		}
	}
	return n, nil
}

func (m *mockSessionRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.byHash {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockSessionRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byHash)
}

type mockIdentity struct {
	ident *Identity
	hash  string
}

type mockIdentityRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*mockIdentity
}

func newMockIdentityRepo() *mockIdentityRepo {
	return &mockIdentityRepo{users: make(map[uuid.UUID]*mockIdentity)}
}

// add registers an active user with the given role and password.
func (m *mockIdentityRepo) add(email string, role Role, password string) *Identity {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	ident := &Identity{ID: uuid.New(), Email: email, Role: role, Active: true}
	m.mu.Lock()
	m.users[ident.ID] = &mockIdentity{ident: ident, hash: string(hash)}
	m.mu.Unlock()
	return ident
}

func (m *mockIdentityRepo) setActive(id uuid.UUID, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id].ident.Active = active
}

func (m *mockIdentityRepo) GetByID(_ context.Context, id uuid.UUID) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	cp := *u.ident
	return &cp, nil
}

func (m *mockIdentityRepo) GetByEmail(_ context.Context, email string) (*Identity, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ident.Email == email {
			cp := *u.ident
			return &cp, u.hash, nil
		}
	}
	return nil, "", ErrIdentityNotFound
}

func (m *mockIdentityRepo) GetPasswordHash(_ context.Context, id uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return "", ErrIdentityNotFound
	}
	return u.hash, nil
}

func (m *mockIdentityRepo) UpdatePasswordHash(_ context.Context, id uuid.UUID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrIdentityNotFound
	}
	u.hash = hash
	return nil
}

func (m *mockIdentityRepo) ListActiveIDsByRole(_ context.Context, role Role) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, u := range m.users {
		if u.ident.Active && u.ident.Role == role {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockIdentityRepo) ListActiveIDsByAffiliation(_ context.Context, a Affiliation, orgID uuid.UUID, role *Role) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, u := range m.users {
		ref := u.ident.AffiliationID(a)
		if !u.ident.Active || ref == nil || *ref != orgID {
			continue
		}
		if role != nil && u.ident.Role != *role {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type recordingDisconnector struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (d *recordingDisconnector) ForceDisconnect(userID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, userID)
	return 2
}

// countingTx runs fn directly and counts transactions.
type countingTx struct {
	mu sync.Mutex
	n  int
}

func (c *countingTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return fn(ctx)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	sessions   *mockSessionRepo
	identities *mockIdentityRepo
	store      *SessionStore
	svc        *Service
	clock      *clock
	disc       *recordingDisconnector
}

func newFixture() *fixture {
	f := &fixture{
		sessions:   newMockSessionRepo(),
		identities: newMockIdentityRepo(),
		clock:      &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		disc:       &recordingDisconnector{},
	}
	refresh := NewRefreshIssuer(testRefreshKey, 7*24*time.Hour, "test")
	refresh.now = f.clock.now
	f.store = NewSessionStore(f.sessions, f.identities, refresh, time.Hour, zerolog.Nop())
	f.store.now = f.clock.now
	f.store.SetDisconnector(f.disc)
	f.svc = NewService(f.store, f.identities)
	f.svc.bcryptCost = bcrypt.MinCost
	return f
}
