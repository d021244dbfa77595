package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type mockRepo struct {
	mu      sync.Mutex
	rows    []*Notification
	failOn  int
	creates int
}

func newMockRepo() *mockRepo { return &mockRepo{} }

func visible(n *Notification) bool { return n.ScheduledFor == nil || n.SentAt != nil }

func (m *mockRepo) Create(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.failOn > 0 && m.creates == m.failOn {
		return errors.New("insert failed")
	}
	cp := *n
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *mockRepo) find(userID, id uuid.UUID) *Notification {
	for _, n := range m.rows {
		if n.ID == id && n.UserID == userID && visible(n) {
			return n
		}
	}
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, userID, id uuid.UUID) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.find(userID, id)
	if n == nil {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *mockRepo) List(_ context.Context, userID uuid.UUID, f Filter, limit, offset int) ([]*Notification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*Notification
	// Iterate newest insertion first to mirror ORDER BY created_at DESC, seq DESC.
	for i := len(m.rows) - 1; i >= 0; i-- {
		n := m.rows[i]
		if n.UserID != userID || !visible(n) {
			continue
		}
		if f.Type != nil && n.Type != *f.Type {
			continue
		}
		if f.IsRead != nil && n.IsRead != *f.IsRead {
			continue
		}
		cp := *n
		matched = append(matched, &cp)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *mockRepo) UnreadCount(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := 0
	for _, n := range m.rows {
		if n.UserID == userID && !n.IsRead && visible(n) {
			c++
		}
	}
	return c, nil
}

func (m *mockRepo) MarkRead(_ context.Context, userID, id uuid.UUID, at time.Time) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.find(userID, id)
	if n == nil {
		return nil, ErrNotFound
	}
	n.IsRead = true
	if n.ReadAt == nil {
		n.ReadAt = &at
	}
	cp := *n
	return &cp, nil
}

func (m *mockRepo) MarkAllRead(_ context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c int64
	for _, n := range m.rows {
		if n.UserID == userID && !n.IsRead && visible(n) {
			n.IsRead = true
			n.ReadAt = &at
			c++
		}
	}
	return c, nil
}

func (m *mockRepo) Delete(_ context.Context, userID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.rows {
		if n.ID == id && n.UserID == userID && visible(n) {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockRepo) DeleteReadBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	var c int64
	for _, n := range m.rows {
		if n.IsRead && n.CreatedAt.Before(before) {
			c++
			continue
		}
		kept = append(kept, n)
	}
	m.rows = kept
	return c, nil
}

func (m *mockRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Notification
	for _, n := range m.rows {
		if n.SentAt == nil && n.ScheduledFor != nil && !n.ScheduledFor.After(now) {
			cp := *n
			due = append(due, &cp)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (m *mockRepo) MarkSent(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.rows {
		if n.ID == id && n.SentAt == nil {
			n.SentAt = &at
		}
	}
	return nil
}

func (m *mockRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// rollbackTx simulates a transaction: on error, rows inserted inside fn are
// discarded.
type rollbackTx struct{ repo *mockRepo }

func (t rollbackTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.repo.mu.Lock()
	before := len(t.repo.rows)
	t.repo.mu.Unlock()
	if err := fn(ctx); err != nil {
		t.repo.mu.Lock()
		t.repo.rows = t.repo.rows[:before]
		t.repo.mu.Unlock()
		return err
	}
	return nil
}
