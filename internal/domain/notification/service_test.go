package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService() (*Service, *mockRepo, *fakeClock) {
	repo := newMockRepo()
	clk := &fakeClock{t: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	svc := NewService(repo, rollbackTx{repo: repo}, zerolog.Nop())
	svc.now = clk.now
	return svc, repo, clk
}

func TestService_Create(t *testing.T) {
	svc, repo, clk := newTestService()
	n := &Notification{UserID: uuid.New(), Type: TypePrescriptionReady, Title: "Prescription ready"}

	if err := svc.Create(context.Background(), n); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n.ID == uuid.Nil {
		t.Error("expected id to be assigned")
	}
	if !n.CreatedAt.Equal(clk.now()) {
		t.Errorf("expected createdAt %v, got %v", clk.now(), n.CreatedAt)
	}
	if n.SentAt == nil || !n.SentAt.Equal(n.CreatedAt) {
		t.Errorf("immediate notification should be sent at creation, got %v", n.SentAt)
	}
	if repo.count() != 1 {
		t.Errorf("expected 1 row, got %d", repo.count())
	}
}

func TestService_Create_Validation(t *testing.T) {
	svc, repo, _ := newTestService()
	tests := []struct {
		name string
		n    *Notification
	}{
		{"missing user", &Notification{Type: TypeSystemAlert, Title: "x"}},
		{"unknown type", &Notification{UserID: uuid.New(), Type: "PROMO", Title: "x"}},
		{"missing title", &Notification{UserID: uuid.New(), Type: TypeSystemAlert}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.Create(context.Background(), tt.n); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
	if repo.count() != 0 {
		t.Errorf("invalid notifications must not be stored, got %d", repo.count())
	}
}

func TestService_CreateBatch_AllOrNothing(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.failOn = 2

	batch := []*Notification{
		{UserID: uuid.New(), Type: TypeSystemAlert, Title: "a"},
		{UserID: uuid.New(), Type: TypeSystemAlert, Title: "b"},
		{UserID: uuid.New(), Type: TypeSystemAlert, Title: "c"},
	}
	if err := svc.CreateBatch(context.Background(), batch); err == nil {
		t.Fatal("expected error")
	}
	if repo.count() != 0 {
		t.Errorf("expected rollback, %d rows remain", repo.count())
	}
}

func TestService_Scheduled(t *testing.T) {
	svc, _, clk := newTestService()
	ctx := context.Background()
	userID := uuid.New()
	at := clk.now().Add(time.Hour)

	n := &Notification{UserID: userID, Type: TypeAppointmentReminder, Title: "Tomorrow", ScheduledFor: &at}
	if err := svc.Create(ctx, n); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n.SentAt != nil {
		t.Fatal("scheduled notification must not be sent at creation")
	}
	page, _ := svc.List(ctx, userID, Filter{}, 10, 0)
	if page.Total != 0 {
		t.Errorf("unsent scheduled notification should be hidden, got %d", page.Total)
	}

	due, _ := svc.ListDue(ctx, 10)
	if len(due) != 0 {
		t.Fatalf("expected nothing due yet, got %d", len(due))
	}
	clk.advance(time.Hour)
	due, _ = svc.ListDue(ctx, 10)
	if len(due) != 1 {
		t.Fatalf("expected 1 due, got %d", len(due))
	}
	if err := svc.MarkSent(ctx, due[0], clk.now()); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	page, _ = svc.List(ctx, userID, Filter{}, 10, 0)
	if page.Total != 1 || page.UnreadCount != 1 {
		t.Errorf("expected sent notification to be visible and unread, got %+v", page)
	}
}

func TestService_UnsentScheduledIsNotAddressable(t *testing.T) {
	svc, repo, clk := newTestService()
	ctx := context.Background()
	userID := uuid.New()
	at := clk.now().Add(time.Hour)

	n := &Notification{UserID: userID, Type: TypeAppointmentReminder, Title: "Tomorrow", ScheduledFor: &at}
	if err := svc.Create(ctx, n); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Get(ctx, userID, n.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.MarkRead(ctx, userID, n.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRead: expected ErrNotFound, got %v", err)
	}
	if err := svc.Delete(ctx, userID, n.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete: expected ErrNotFound, got %v", err)
	}
	if repo.count() != 1 {
		t.Fatalf("scheduled row must survive, %d rows", repo.count())
	}

	clk.advance(time.Hour)
	if err := svc.MarkSent(ctx, n, clk.now()); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	got, err := svc.MarkRead(ctx, userID, n.ID)
	if err != nil || !got.IsRead {
		t.Errorf("sent notification should be readable, got %+v, %v", got, err)
	}
}

func TestService_ListOrder(t *testing.T) {
	svc, _, clk := newTestService()
	ctx := context.Background()
	userID := uuid.New()
	for _, title := range []string{"first", "second", "third"} {
		if err := svc.Create(ctx, &Notification{UserID: userID, Type: TypeChatMessage, Title: title}); err != nil {
			t.Fatal(err)
		}
		clk.advance(time.Second)
	}
	page, err := svc.List(ctx, userID, Filter{}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"third", "second", "first"}
	for i, n := range page.Items {
		if n.Title != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], n.Title)
		}
	}
}

func TestService_MarkRead_Idempotent(t *testing.T) {
	svc, _, clk := newTestService()
	ctx := context.Background()
	userID := uuid.New()
	n := &Notification{UserID: userID, Type: TypeLabResultReady, Title: "Results"}
	_ = svc.Create(ctx, n)

	var wg sync.WaitGroup
	results := make([]*Notification, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clk.advance(time.Millisecond)
			r, err := svc.MarkRead(ctx, userID, n.ID)
			if err != nil {
				t.Errorf("MarkRead: %v", err)
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	first := results[0].ReadAt
	for _, r := range results {
		if r == nil {
			continue
		}
		if !r.IsRead || r.ReadAt == nil || !r.ReadAt.Equal(*first) {
			t.Errorf("expected consistent readAt %v, got %v", first, r.ReadAt)
		}
	}
	count, _ := svc.UnreadCount(ctx, userID)
	if count != 0 {
		t.Errorf("expected 0 unread, got %d", count)
	}
	if _, err := svc.MarkRead(ctx, uuid.New(), n.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("another user must not mark this notification, got %v", err)
	}
}

func TestService_Cleanup(t *testing.T) {
	svc, repo, clk := newTestService()
	ctx := context.Background()
	userID := uuid.New()

	old := &Notification{UserID: userID, Type: TypeSystemAlert, Title: "old"}
	_ = svc.Create(ctx, old)
	_, _ = svc.MarkRead(ctx, userID, old.ID)
	oldUnread := &Notification{UserID: userID, Type: TypeSystemAlert, Title: "old unread"}
	_ = svc.Create(ctx, oldUnread)

	clk.advance(31 * 24 * time.Hour)
	_ = svc.Create(ctx, &Notification{UserID: userID, Type: TypeSystemAlert, Title: "new"})

	n, err := svc.Cleanup(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 || repo.count() != 2 {
		t.Errorf("expected only the old read row deleted, deleted=%d remaining=%d", n, repo.count())
	}
	if _, err := svc.Cleanup(ctx, 0); err == nil {
		t.Error("expected error for zero retention")
	}
}
