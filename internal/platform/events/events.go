// Package events defines the closed set of live event kinds and the payload
// each one carries.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the eventKind field of a push frame.
type Kind string

const (
	KindNotificationNew           Kind = "notification:new"
	KindAppointmentUpdated        Kind = "appointment:updated"
	KindPrescriptionUpdated       Kind = "prescription:updated"
	KindLabResultUpdated          Kind = "lab-result:updated"
	KindDoctorVerificationDecided Kind = "doctor-verification:decided"
	KindPaymentUpdated            Kind = "payment:updated"
	KindChatMessage               Kind = "chat:message"
	KindSystemAlert               Kind = "system:alert"

	// Connection-level frames. They are never dispatched.
	KindConnectionReady Kind = "connection:ready"
	KindPong            Kind = "pong"
)

var ErrUnknownKind = errors.New("unknown event kind")

// Payload is implemented by every event payload variant.
type Payload interface {
	Kind() Kind
}

// NotificationNew carries one recipient's ledger row.
type NotificationNew struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"userId"`
	Type         string          `json:"type"`
	Title        string          `json:"title"`
	Message      string          `json:"message"`
	Data         json.RawMessage `json:"data,omitempty"`
	IsRead       bool            `json:"isRead"`
	ScheduledFor *time.Time      `json:"scheduledFor,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type AppointmentUpdated struct {
	AppointmentID uuid.UUID `json:"appointmentId"`
	PatientID     uuid.UUID `json:"patientId"`
	DoctorID      uuid.UUID `json:"doctorId"`
	Status        string    `json:"status"`
	ScheduledAt   time.Time `json:"scheduledAt"`
}

type PrescriptionUpdated struct {
	PrescriptionID uuid.UUID  `json:"prescriptionId"`
	PatientID      uuid.UUID  `json:"patientId"`
	PharmacyID     *uuid.UUID `json:"pharmacyId,omitempty"`
	Status         string     `json:"status"`
}

type LabResultUpdated struct {
	LabResultID  uuid.UUID `json:"labResultId"`
	PatientID    uuid.UUID `json:"patientId"`
	LaboratoryID uuid.UUID `json:"laboratoryId"`
	Status       string    `json:"status"`
}

type DoctorVerificationDecided struct {
	DoctorID uuid.UUID `json:"doctorId"`
	Approved bool      `json:"approved"`
	Reason   string    `json:"reason,omitempty"`
}

// PaymentUpdated amounts are in minor currency units.
type PaymentUpdated struct {
	PaymentID uuid.UUID `json:"paymentId"`
	UserID    uuid.UUID `json:"userId"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
}

type ChatMessage struct {
	ConversationID uuid.UUID `json:"conversationId"`
	MessageID      uuid.UUID `json:"messageId"`
	SenderID       uuid.UUID `json:"senderId"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sentAt"`
}

type SystemAlert struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// ConnectionReady is the first frame on every connection.
type ConnectionReady struct {
	ConnectionID string   `json:"connectionId"`
	Topics       []string `json:"topics"`
}

type Pong struct{}

func (NotificationNew) Kind() Kind           { return KindNotificationNew }
func (AppointmentUpdated) Kind() Kind        { return KindAppointmentUpdated }
func (PrescriptionUpdated) Kind() Kind       { return KindPrescriptionUpdated }
func (LabResultUpdated) Kind() Kind          { return KindLabResultUpdated }
func (DoctorVerificationDecided) Kind() Kind { return KindDoctorVerificationDecided }
func (PaymentUpdated) Kind() Kind            { return KindPaymentUpdated }
func (ChatMessage) Kind() Kind               { return KindChatMessage }
func (SystemAlert) Kind() Kind               { return KindSystemAlert }
func (ConnectionReady) Kind() Kind           { return KindConnectionReady }
func (Pong) Kind() Kind                      { return KindPong }

// Dispatchable reports whether k may be sent through the dispatcher.
func (k Kind) Dispatchable() bool {
	switch k {
	case KindNotificationNew, KindAppointmentUpdated, KindPrescriptionUpdated,
		KindLabResultUpdated, KindDoctorVerificationDecided, KindPaymentUpdated,
		KindChatMessage, KindSystemAlert:
		return true
	}
	return false
}

// DecodePayload decodes raw into the payload variant for kind. Only
// dispatchable kinds other than notification:new are accepted; notification
// payloads are always built from ledger rows.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindAppointmentUpdated:
		p = &AppointmentUpdated{}
	case KindPrescriptionUpdated:
		p = &PrescriptionUpdated{}
	case KindLabResultUpdated:
		p = &LabResultUpdated{}
	case KindDoctorVerificationDecided:
		p = &DoctorVerificationDecided{}
	case KindPaymentUpdated:
		p = &PaymentUpdated{}
	case KindChatMessage:
		p = &ChatMessage{}
	case KindSystemAlert:
		p = &SystemAlert{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	return deref(p), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *AppointmentUpdated:
		return *v
	case *PrescriptionUpdated:
		return *v
	case *LabResultUpdated:
		return *v
	case *DoctorVerificationDecided:
		return *v
	case *PaymentUpdated:
		return *v
	case *ChatMessage:
		return *v
	case *SystemAlert:
		return *v
	}
	return p
}

// Frame is the unit written to a connection.
type Frame struct {
	EventKind   Kind      `json:"eventKind"`
	Payload     Payload   `json:"payload"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// NewFrame wraps p in a frame stamped with at.
func NewFrame(p Payload, at time.Time) Frame {
	return Frame{EventKind: p.Kind(), Payload: p, DeliveredAt: at.UTC()}
}

// Encode marshals the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
