package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(KindSystemAlert, json.RawMessage(`{"severity":"high","message":"maintenance at 22:00"}`))
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	alert, ok := p.(SystemAlert)
	if !ok {
		t.Fatalf("expected SystemAlert, got %T", p)
	}
	if alert.Severity != "high" || alert.Message != "maintenance at 22:00" {
		t.Errorf("unexpected payload %+v", alert)
	}
	if p.Kind() != KindSystemAlert {
		t.Errorf("expected kind %s, got %s", KindSystemAlert, p.Kind())
	}
}

func TestDecodePayload_Rejects(t *testing.T) {
	for _, k := range []Kind{"", "appointment:deleted", KindNotificationNew, KindPong, KindConnectionReady} {
		if _, err := DecodePayload(k, nil); !errors.Is(err, ErrUnknownKind) {
			t.Errorf("kind %q: expected ErrUnknownKind, got %v", k, err)
		}
	}
	if _, err := DecodePayload(KindChatMessage, json.RawMessage(`{"body":12}`)); err == nil {
		t.Error("expected type error for malformed payload")
	}
}

func TestFrame_Encode(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	id := uuid.New()
	raw, err := NewFrame(AppointmentUpdated{AppointmentID: id, Status: "CONFIRMED"}, at).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var decoded struct {
		EventKind   string          `json:"eventKind"`
		Payload     json.RawMessage `json:"payload"`
		DeliveredAt time.Time       `json:"deliveredAt"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if decoded.EventKind != "appointment:updated" {
		t.Errorf("expected appointment:updated, got %s", decoded.EventKind)
	}
	if !decoded.DeliveredAt.Equal(at) {
		t.Errorf("expected deliveredAt %v, got %v", at, decoded.DeliveredAt)
	}
	var body AppointmentUpdated
	if err := json.Unmarshal(decoded.Payload, &body); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if body.AppointmentID != id {
		t.Errorf("expected appointment %s, got %s", id, body.AppointmentID)
	}
}

func TestKind_Dispatchable(t *testing.T) {
	if KindPong.Dispatchable() || KindConnectionReady.Dispatchable() {
		t.Error("connection-level kinds must not be dispatchable")
	}
	if !KindChatMessage.Dispatchable() {
		t.Error("chat:message should be dispatchable")
	}
}
