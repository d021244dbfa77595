package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medconnect/realtime/internal/platform/db"
)

type notificationRepoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a new PostgreSQL-backed notification repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &notificationRepoPG{pool: pool}
}

const notifCols = `id, user_id, type, title, message, data, is_read, read_at,
	scheduled_for, sent_at, created_at`

// visibleToRecipient hides scheduled rows from their recipient until they are sent.
const visibleToRecipient = `(scheduled_for IS NULL OR sent_at IS NOT NULL)`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Data,
		&n.IsRead, &n.ReadAt, &n.ScheduledFor, &n.SentAt, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *notificationRepoPG) Create(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	var data interface{}
	if len(n.Data) > 0 {
		data = n.Data
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO notification (id, user_id, type, title, message, data, is_read,
			scheduled_for, sent_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,false,$7,$8,$9)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, data,
		n.ScheduledFor, n.SentAt, n.CreatedAt)
	return err
}

func (r *notificationRepoPG) GetByID(ctx context.Context, userID, id uuid.UUID) (*Notification, error) {
	return scanNotification(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+notifCols+` FROM notification WHERE id = $1 AND user_id = $2 AND `+visibleToRecipient, id, userID))
}

func whereClause(userID uuid.UUID, f Filter) (string, []interface{}) {
	conds := []string{"user_id = $1", visibleToRecipient}
	args := []interface{}{userID}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != nil {
		add("type = $%d", *f.Type)
	}
	if f.IsRead != nil {
		add("is_read = $%d", *f.IsRead)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	return strings.Join(conds, " AND "), args
}

func (r *notificationRepoPG) List(ctx context.Context, userID uuid.UUID, f Filter, limit, offset int) ([]*Notification, int, error) {
	where, args := whereClause(userID, f)

	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM notification WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM notification WHERE %s
		ORDER BY created_at DESC, seq DESC LIMIT $%d OFFSET $%d`,
		notifCols, where, len(args)+1, len(args)+2)
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

func (r *notificationRepoPG) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM notification
		WHERE user_id = $1 AND is_read = false AND `+visibleToRecipient,
		userID).Scan(&n)
	return n, err
}

// MarkRead keeps the first read_at so that concurrent calls agree on one
// timestamp.
func (r *notificationRepoPG) MarkRead(ctx context.Context, userID, id uuid.UUID, at time.Time) (*Notification, error) {
	return scanNotification(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE notification SET is_read = true, read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND user_id = $2 AND `+visibleToRecipient+`
		RETURNING `+notifCols, id, userID, at))
}

func (r *notificationRepoPG) MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE notification SET is_read = true, read_at = COALESCE(read_at, $2)
		WHERE user_id = $1 AND is_read = false AND `+visibleToRecipient, userID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *notificationRepoPG) Delete(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM notification WHERE id = $1 AND user_id = $2 AND `+visibleToRecipient, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *notificationRepoPG) DeleteReadBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM notification WHERE is_read = true AND created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *notificationRepoPG) ListDue(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+notifCols+` FROM notification
		WHERE sent_at IS NULL AND scheduled_for IS NOT NULL AND scheduled_for <= $1
		ORDER BY scheduled_for ASC, seq ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func (r *notificationRepoPG) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE notification SET sent_at = $2 WHERE id = $1 AND sent_at IS NULL`, id, at)
	return err
}
