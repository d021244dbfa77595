// Package dispatch turns domain events into ledger rows and live pushes.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medconnect/realtime/internal/domain/notification"
	"github.com/medconnect/realtime/internal/platform/audience"
	"github.com/medconnect/realtime/internal/platform/auth"
	"github.com/medconnect/realtime/internal/platform/events"
	"github.com/medconnect/realtime/internal/platform/metrics"
	"github.com/medconnect/realtime/internal/platform/realtime"
)

// State is a step of the per-event state machine.
type State string

const (
	StateReceived           State = "Received"
	StateResolved           State = "Resolved"
	StatePersisted          State = "Persisted"
	StateDelivered          State = "Delivered"
	StatePartiallyDelivered State = "PartiallyDelivered"
	StateDone               State = "Done"
)

var (
	// ErrLedgerWrite means a notifiable event was not persisted and therefore
	// not pushed. The caller decides whether to retry.
	ErrLedgerWrite     = errors.New("ledger write failed")
	ErrEmptyEvent      = errors.New("event has neither payload nor notification")
	ErrNotDispatchable = errors.New("event kind cannot be dispatched")
)

// RecipientDirectory enumerates the active users behind a role or an
// organization. auth.IdentityRepository implements it.
type RecipientDirectory interface {
	ListActiveIDsByRole(ctx context.Context, role auth.Role) ([]uuid.UUID, error)
	ListActiveIDsByAffiliation(ctx context.Context, a auth.Affiliation, orgID uuid.UUID, role *auth.Role) ([]uuid.UUID, error)
}

// Ledger is the part of the notification ledger the dispatcher writes to.
type Ledger interface {
	Now() time.Time
	CreateBatch(ctx context.Context, items []*notification.Notification) error
	ListDue(ctx context.Context, limit int) ([]*notification.Notification, error)
	MarkSent(ctx context.Context, n *notification.Notification, at time.Time) error
}

// Template is the recipient-independent part of a notification.
type Template struct {
	Type         notification.Type `json:"type"`
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	Data         json.RawMessage   `json:"data,omitempty"`
	ScheduledFor *time.Time        `json:"scheduledFor,omitempty"`
}

// Event is one unit of work for the dispatcher. It is notifiable when
// Notification is set; Payload is then optional.
type Event struct {
	Payload      events.Payload
	Audience     audience.Descriptor
	Notification *Template
}

func (e Event) kind() string {
	if e.Payload != nil {
		return string(e.Payload.Kind())
	}
	return string(events.KindNotificationNew)
}

// Result describes what a dispatch did.
type Result struct {
	State         State            `json:"state"`
	Transitions   []State          `json:"transitions"`
	Topics        []audience.Topic `json:"topics"`
	Notifications []uuid.UUID      `json:"notifications,omitempty"`
	Delivered     int              `json:"delivered"`
	Failed        int              `json:"failed"`
}

func (r *Result) to(s State) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}

// Dispatcher routes events to the ledger and to live connections.
type Dispatcher struct {
	registry  *realtime.Registry
	ledger    Ledger
	directory RecipientDirectory
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	dueBatch  int
}

// New creates a Dispatcher. m may be nil.
func New(registry *realtime.Registry, ledger Ledger, directory RecipientDirectory, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		ledger:    ledger,
		directory: directory,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		metrics:   m,
		now:       time.Now,
		dueBatch:  500,
	}
}

// Dispatch runs ev through Received, Resolved, Persisted (notifiable only),
// Delivered or PartiallyDelivered, and Done. Audience errors stop the event
// before anything is written or pushed. No lock is held while the ledger is
// written.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*Result, error) {
	res := &Result{}
	res.to(StateReceived)

	if ev.Payload == nil && ev.Notification == nil {
		return res, ErrEmptyEvent
	}
	if ev.Payload != nil && !ev.Payload.Kind().Dispatchable() {
		return res, fmt.Errorf("%w: %s", ErrNotDispatchable, ev.Payload.Kind())
	}

	topics, err := audience.Resolve(ev.Audience)
	if err != nil {
		d.logger.Error().Err(err).Str("event_kind", ev.kind()).Msg("audience resolution failed")
		d.metrics.Dispatched(ev.kind(), "rejected")
		return res, err
	}
	res.Topics = topics
	res.to(StateResolved)
	if len(topics) == 0 {
		return d.finish(res, ev), nil
	}

	var rows []*notification.Notification
	if ev.Notification != nil {
		recipients, err := d.recipients(ctx, ev.Audience)
		if err != nil {
			d.logger.Error().Err(err).Str("audience", audience.Describe(ev.Audience)).Msg("recipient lookup failed")
			d.metrics.Dispatched(ev.kind(), "rejected")
			return res, fmt.Errorf("resolve recipients: %w", err)
		}
		if len(recipients) == 0 {
			return d.finish(res, ev), nil
		}
		rows = buildRows(ev.Notification, recipients)
		if err := d.ledger.CreateBatch(ctx, rows); err != nil {
			if errors.Is(err, notification.ErrInvalid) {
				return res, err
			}
			d.logger.Error().Err(err).
				Str("event_kind", ev.kind()).
				Int("recipients", len(recipients)).
				Msg("ledger write failed; live push skipped")
			d.metrics.LedgerWriteFailed()
			d.metrics.Dispatched(ev.kind(), "ledger_failed")
			return res, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
		}
		for _, n := range rows {
			res.Notifications = append(res.Notifications, n.ID)
		}
		res.to(StatePersisted)
	}

	// From here on the event always completes.
	deliveredAt := d.now()
	for _, n := range rows {
		if n.SentAt == nil {
			continue
		}
		d.pushToTopics(res, []audience.Topic{audience.UserTopic(n.UserID)}, n.Event(), deliveredAt)
	}
	if ev.Payload != nil {
		d.pushToTopics(res, topics, ev.Payload, deliveredAt)
	}

	if res.Failed > 0 {
		res.to(StatePartiallyDelivered)
	} else {
		res.to(StateDelivered)
	}
	return d.finish(res, ev), nil
}

func (d *Dispatcher) finish(res *Result, ev Event) *Result {
	res.to(StateDone)
	d.metrics.Dispatched(ev.kind(), string(res.Transitions[len(res.Transitions)-2]))
	d.logger.Debug().
		Str("event_kind", ev.kind()).
		Str("audience", audience.Describe(ev.Audience)).
		Int("topics", len(res.Topics)).
		Int("notifications", len(res.Notifications)).
		Int("delivered", res.Delivered).
		Int("failed", res.Failed).
		Msg("dispatched")
	return res
}

// recipients enumerates the individual users an audience stands for, in a
// stable order and without duplicates.
func (d *Dispatcher) recipients(ctx context.Context, desc audience.Descriptor) ([]uuid.UUID, error) {
	switch desc := desc.(type) {
	case audience.User:
		return []uuid.UUID{desc.ID}, nil
	case audience.Users:
		return dedupe(desc.IDs), nil
	case audience.Role:
		ids, err := d.directory.ListActiveIDsByRole(ctx, desc.Role)
		return dedupe(ids), err
	case audience.SuperAdmins:
		ids, err := d.directory.ListActiveIDsByRole(ctx, auth.RoleSuperAdmin)
		return dedupe(ids), err
	case audience.Organization:
		aff, role, err := desc.Membership()
		if err != nil {
			return nil, err
		}
		ids, err := d.directory.ListActiveIDsByAffiliation(ctx, aff, desc.ID, role)
		return dedupe(ids), err
	}
	return nil, fmt.Errorf("%w: %T", audience.ErrUnknownDescriptor, desc)
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func buildRows(t *Template, recipients []uuid.UUID) []*notification.Notification {
	rows := make([]*notification.Notification, len(recipients))
	for i, userID := range recipients {
		rows[i] = &notification.Notification{
			UserID:       userID,
			Type:         t.Type,
			Title:        t.Title,
			Message:      t.Message,
			Data:         t.Data,
			ScheduledFor: t.ScheduledFor,
		}
	}
	return rows
}

// pushToTopics sends p once to every live connection in topics. A connection
// that sits in several of the topics still receives a single copy.
func (d *Dispatcher) pushToTopics(res *Result, topics []audience.Topic, p events.Payload, at time.Time) {
	frame, err := events.NewFrame(p, at).Encode()
	if err != nil {
		d.logger.Error().Err(err).Str("event_kind", string(p.Kind())).Msg("failed to encode frame")
		return
	}
	seen := make(map[realtime.ConnectionID]struct{})
	for _, t := range topics {
		for _, c := range d.registry.MembersOf(t) {
			if _, ok := seen[c.ID()]; ok {
				continue
			}
			seen[c.ID()] = struct{}{}
			if err := c.Push(frame); err != nil {
				res.Failed++
				d.metrics.Pushed(pushOutcome(err))
				d.logger.Warn().Err(err).
					Str("connection_id", string(c.ID())).
					Str("user_id", c.UserID().String()).
					Str("event_kind", string(p.Kind())).
					Msg("push failed")
				continue
			}
			res.Delivered++
			d.metrics.Pushed("ok")
		}
	}
}

func pushOutcome(err error) string {
	switch {
	case errors.Is(err, realtime.ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, realtime.ErrConnectionClosed):
		return "closed"
	}
	return "error"
}

// NotifyRequest is the collaborator-facing "create a durable notification
// for user U" call.
type NotifyRequest struct {
	UserID       uuid.UUID         `json:"userId"`
	Type         notification.Type `json:"type"`
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	Data         json.RawMessage   `json:"data,omitempty"`
	ScheduledFor *time.Time        `json:"scheduledFor,omitempty"`
}

// Notify persists one notification for req.UserID and pushes it to the
// user's live connections unless it is scheduled for later.
func (d *Dispatcher) Notify(ctx context.Context, req NotifyRequest) (uuid.UUID, error) {
	res, err := d.Dispatch(ctx, Event{
		Audience: audience.User{ID: req.UserID},
		Notification: &Template{
			Type:         req.Type,
			Title:        req.Title,
			Message:      req.Message,
			Data:         req.Data,
			ScheduledFor: req.ScheduledFor,
		},
	})
	if err != nil {
		return uuid.Nil, err
	}
	if len(res.Notifications) != 1 {
		return uuid.Nil, fmt.Errorf("expected one notification, got %d", len(res.Notifications))
	}
	return res.Notifications[0], nil
}

// Broadcast pushes a live, non-durable signal to an audience.
func (d *Dispatcher) Broadcast(ctx context.Context, desc audience.Descriptor, p events.Payload) (*Result, error) {
	if p == nil {
		return nil, ErrEmptyEvent
	}
	return d.Dispatch(ctx, Event{Payload: p, Audience: desc})
}

// DeliverDue pushes scheduled notifications whose time has come and stamps
// them sent. It returns how many rows it sent.
func (d *Dispatcher) DeliverDue(ctx context.Context) (int, error) {
	due, err := d.ledger.ListDue(ctx, d.dueBatch)
	if err != nil {
		return 0, fmt.Errorf("list due notifications: %w", err)
	}
	sent := 0
	for _, n := range due {
		at := d.ledger.Now()
		if err := d.ledger.MarkSent(ctx, n, at); err != nil {
			return sent, fmt.Errorf("mark notification %s sent: %w", n.ID, err)
		}
		res := &Result{}
		d.pushToTopics(res, []audience.Topic{audience.UserTopic(n.UserID)}, n.Event(), d.now())
		sent++
	}
	if sent > 0 {
		d.logger.Info().Int("sent", sent).Msg("delivered scheduled notifications")
	}
	return sent, nil
}
