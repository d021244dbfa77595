package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medconnect/realtime/internal/platform/db"
)

var ErrInvalid = errors.New("invalid notification")

// Service is the notification ledger: durable, per-recipient records that
// cover recipients who were offline when an event was dispatched.
type Service struct {
	repo   Repository
	tx     db.TxRunner
	logger zerolog.Logger
	now    func() time.Time
}

// NewService creates a new ledger service. tx may be nil, in which case
// CreateBatch inserts rows one by one.
func NewService(repo Repository, tx db.TxRunner, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		logger: logger.With().Str("component", "notification_ledger").Logger(),
		now:    time.Now,
	}
}

// Now returns the ledger clock, truncated to the precision Postgres stores.
func (s *Service) Now() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func validate(n *Notification) error {
	if n.UserID == uuid.Nil {
		return fmt.Errorf("%w: userId is required", ErrInvalid)
	}
	if !n.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, n.Type)
	}
	if n.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	return nil
}

// prepare stamps ids and timestamps. Immediate notifications are sent at
// creation; scheduled ones wait for DeliverDue.
func (s *Service) prepare(n *Notification, now time.Time) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = now
	n.IsRead = false
	n.ReadAt = nil
	if n.Scheduled(now) {
		n.SentAt = nil
	} else {
		sent := now
		n.SentAt = &sent
	}
}

// Create validates and persists a single notification.
func (s *Service) Create(ctx context.Context, n *Notification) error {
	return s.CreateBatch(ctx, []*Notification{n})
}

// CreateBatch persists every row or none of them. Rows are inserted in slice
// order, which is the order recipients read them back in.
func (s *Service) CreateBatch(ctx context.Context, items []*Notification) error {
	for _, n := range items {
		if err := validate(n); err != nil {
			return err
		}
	}
	now := s.Now()
	for _, n := range items {
		s.prepare(n, now)
	}
	insert := func(ctx context.Context) error {
		for _, n := range items {
			if err := s.repo.Create(ctx, n); err != nil {
				return fmt.Errorf("insert notification for %s: %w", n.UserID, err)
			}
		}
		return nil
	}
	if s.tx == nil || len(items) == 1 {
		return insert(ctx)
	}
	return s.tx.InTx(ctx, insert)
}

// Get returns a notification owned by userID.
func (s *Service) Get(ctx context.Context, userID, id uuid.UUID) (*Notification, error) {
	return s.repo.GetByID(ctx, userID, id)
}

// Page is one page of a recipient's notifications plus their unread total.
type Page struct {
	Items       []*Notification
	Total       int
	UnreadCount int
}

// List returns userID's notifications, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID, f Filter, limit, offset int) (*Page, error) {
	items, total, err := s.repo.List(ctx, userID, f, limit, offset)
	if err != nil {
		return nil, err
	}
	unread, err := s.repo.UnreadCount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*Notification{}
	}
	return &Page{Items: items, Total: total, UnreadCount: unread}, nil
}

func (s *Service) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.UnreadCount(ctx, userID)
}

// MarkRead is idempotent: the first readAt wins.
func (s *Service) MarkRead(ctx context.Context, userID, id uuid.UUID) (*Notification, error) {
	return s.repo.MarkRead(ctx, userID, id, s.Now())
}

func (s *Service) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.MarkAllRead(ctx, userID, s.Now())
}

func (s *Service) Delete(ctx context.Context, userID, id uuid.UUID) error {
	return s.repo.Delete(ctx, userID, id)
}

// Cleanup deletes read notifications older than retention.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", retention)
	}
	n, err := s.repo.DeleteReadBefore(ctx, s.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int64("deleted", n).Dur("retention", retention).Msg("notification cleanup")
	return n, nil
}

// ListDue returns scheduled notifications whose time has come and that have
// not been sent yet.
func (s *Service) ListDue(ctx context.Context, limit int) ([]*Notification, error) {
	return s.repo.ListDue(ctx, s.Now(), limit)
}

// MarkSent stamps sentAt, making a scheduled notification visible.
func (s *Service) MarkSent(ctx context.Context, n *Notification, at time.Time) error {
	if err := s.repo.MarkSent(ctx, n.ID, at); err != nil {
		return err
	}
	n.SentAt = &at
	return nil
}
