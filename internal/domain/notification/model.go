package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medconnect/realtime/internal/platform/events"
)

// Type is the closed set of notification types.
type Type string

const (
	TypeAppointmentBooked     Type = "APPOINTMENT_BOOKED"
	TypeAppointmentConfirmed  Type = "APPOINTMENT_CONFIRMED"
	TypeAppointmentCancelled  Type = "APPOINTMENT_CANCELLED"
	TypeAppointmentReminder   Type = "APPOINTMENT_REMINDER"
	TypePrescriptionReady     Type = "PRESCRIPTION_READY"
	TypePrescriptionDispensed Type = "PRESCRIPTION_DISPENSED"
	TypeLabResultReady        Type = "LAB_RESULT_READY"
	TypePaymentSuccess        Type = "PAYMENT_SUCCESS"
	TypePaymentFailed         Type = "PAYMENT_FAILED"
	TypeDoctorVerification    Type = "DOCTOR_VERIFICATION"
	TypeChatMessage           Type = "CHAT_MESSAGE"
	TypeSystemAlert           Type = "SYSTEM_ALERT"
)

var validTypes = map[Type]bool{
	TypeAppointmentBooked: true, TypeAppointmentConfirmed: true, TypeAppointmentCancelled: true,
	TypeAppointmentReminder: true, TypePrescriptionReady: true, TypePrescriptionDispensed: true,
	TypeLabResultReady: true, TypePaymentSuccess: true, TypePaymentFailed: true,
	TypeDoctorVerification: true, TypeChatMessage: true, TypeSystemAlert: true,
}

func (t Type) Valid() bool { return validTypes[t] }

// ParseType converts s to a Type, rejecting unknown values.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown notification type %q", s)
	}
	return t, nil
}

var ErrNotFound = errors.New("notification not found")

// Notification is one recipient's durable record of an event.
type Notification struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	UserID       uuid.UUID       `db:"user_id" json:"userId"`
	Type         Type            `db:"type" json:"type"`
	Title        string          `db:"title" json:"title"`
	Message      string          `db:"message" json:"message"`
	Data         json.RawMessage `db:"data" json:"data,omitempty"`
	IsRead       bool            `db:"is_read" json:"isRead"`
	ReadAt       *time.Time      `db:"read_at" json:"readAt,omitempty"`
	ScheduledFor *time.Time      `db:"scheduled_for" json:"scheduledFor,omitempty"`
	SentAt       *time.Time      `db:"sent_at" json:"sentAt,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
}

// Scheduled reports whether n is held back until a future time.
func (n *Notification) Scheduled(now time.Time) bool {
	return n.ScheduledFor != nil && n.ScheduledFor.After(now)
}

// Event builds the live payload announcing n to its recipient.
func (n *Notification) Event() events.NotificationNew {
	return events.NotificationNew{
		ID:           n.ID,
		UserID:       n.UserID,
		Type:         string(n.Type),
		Title:        n.Title,
		Message:      n.Message,
		Data:         n.Data,
		IsRead:       n.IsRead,
		ScheduledFor: n.ScheduledFor,
		CreatedAt:    n.CreatedAt,
	}
}

// Filter narrows a recipient's notification list. Zero values match all.
type Filter struct {
	Type   *Type
	IsRead *bool
	From   *time.Time
	To     *time.Time
}
