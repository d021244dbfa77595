package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the data access interface for the notification ledger.
// Every recipient-facing method is scoped by userID.
type Repository interface {
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, userID, id uuid.UUID) (*Notification, error)
	List(ctx context.Context, userID uuid.UUID, f Filter, limit, offset int) ([]*Notification, int, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID, at time.Time) (*Notification, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error)
	Delete(ctx context.Context, userID, id uuid.UUID) error
	DeleteReadBefore(ctx context.Context, before time.Time) (int64, error)

	// Scheduled delivery
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Notification, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
}
