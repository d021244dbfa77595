package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medconnect/realtime/internal/domain/notification"
	"github.com/medconnect/realtime/internal/platform/auth"
	"github.com/medconnect/realtime/internal/platform/events"
	"github.com/medconnect/realtime/internal/platform/realtime"
)

// fakeLedger stamps rows the way notification.Service does.
type fakeLedger struct {
	mu    sync.Mutex
	rows  []*notification.Notification
	fail  error
	clock time.Time
}

func (l *fakeLedger) Now() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.clock.IsZero() {
		return time.Now().UTC().Truncate(time.Microsecond)
	}
	return l.clock
}

func (l *fakeLedger) setClock(t time.Time) {
	l.mu.Lock()
	l.clock = t
	l.mu.Unlock()
}

func (l *fakeLedger) CreateBatch(_ context.Context, items []*notification.Notification) error {
	for _, n := range items {
		if !n.Type.Valid() {
			return fmt.Errorf("%w: unknown type %q", notification.ErrInvalid, n.Type)
		}
	}
	now := l.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	for _, n := range items {
		n.ID = uuid.New()
		n.CreatedAt = now
		if !n.Scheduled(now) {
			sent := now
			n.SentAt = &sent
		}
		cp := *n
		l.rows = append(l.rows, &cp)
	}
	return nil
}

func (l *fakeLedger) ListDue(_ context.Context, limit int) ([]*notification.Notification, error) {
	now := l.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	var due []*notification.Notification
	for _, n := range l.rows {
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

func (l *fakeLedger) MarkSent(_ context.Context, n *notification.Notification, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rows {
		if r.ID == n.ID && r.SentAt == nil {
			r.SentAt = &at
			n.SentAt = &at
			return nil
		}
	}
	return notification.ErrNotFound
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

type fakeDirectory struct {
	byRole map[auth.Role][]uuid.UUID
	byOrg  map[uuid.UUID][]uuid.UUID
	err    error

	lastAffiliation auth.Affiliation
	lastRole        *auth.Role
}

func (d *fakeDirectory) ListActiveIDsByRole(_ context.Context, role auth.Role) ([]uuid.UUID, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.byRole[role], nil
}

func (d *fakeDirectory) ListActiveIDsByAffiliation(_ context.Context, a auth.Affiliation, orgID uuid.UUID, role *auth.Role) ([]uuid.UUID, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.lastAffiliation = a
	d.lastRole = role
	return d.byOrg[orgID], nil
}

// stubConn never drains its send buffer, so pushes beyond the buffer fail.
type stubConn struct{}

func (stubConn) ReadMessage() (int, []byte, error)         { return 0, nil, errors.New("closed") }
func (stubConn) WriteMessage(int, []byte) error            { return nil }
func (stubConn) WriteControl(int, []byte, time.Time) error { return nil }
func (stubConn) SetReadDeadline(time.Time) error           { return nil }
func (stubConn) SetWriteDeadline(time.Time) error          { return nil }
func (stubConn) SetReadLimit(int64)                        {}
func (stubConn) SetPongHandler(func(string) error)         {}
func (stubConn) Close() error                              { return nil }

type tokenValidator struct {
	mu     sync.Mutex
	tokens map[string]*auth.Identity
}

func (v *tokenValidator) Validate(_ context.Context, token string) (*auth.Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ident, ok := v.tokens[token]
	if !ok {
		return nil, auth.ErrInvalidSession
	}
	return ident, nil
}

// testEnv runs a real registry behind the websocket endpoint.
type testEnv struct {
	registry   *realtime.Registry
	validator  *tokenValidator
	ledger     *fakeLedger
	directory  *fakeDirectory
	dispatcher *Dispatcher
	wsURL      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	registry := realtime.NewRegistry(realtime.RegistryOptions{Shards: 4, SendBuffer: 16, WriteTimeout: time.Second}, zerolog.Nop(), nil)
	validator := &tokenValidator{tokens: make(map[string]*auth.Identity)}
	ledger := &fakeLedger{}
	directory := &fakeDirectory{byRole: map[auth.Role][]uuid.UUID{}, byOrg: map[uuid.UUID][]uuid.UUID{}}

	e := echo.New()
	realtime.NewHandler(registry, validator, realtime.DefaultHandlerOptions, zerolog.Nop(), nil).RegisterRoutes(e)
	server := httptest.NewServer(e)
	t.Cleanup(func() {
		registry.Close()
		server.Close()
	})
	return &testEnv{
		registry:   registry,
		validator:  validator,
		ledger:     ledger,
		directory:  directory,
		dispatcher: New(registry, ledger, directory, zerolog.Nop(), nil),
		wsURL:      "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
	}
}

type wireFrame struct {
	EventKind   events.Kind     `json:"eventKind"`
	Payload     json.RawMessage `json:"payload"`
	DeliveredAt time.Time       `json:"deliveredAt"`
}

// connect opens a socket for ident and consumes the ready frame.
func (env *testEnv) connect(t *testing.T, ident *auth.Identity) *gorillawebsocket.Conn {
	t.Helper()
	token := uuid.NewString()
	env.validator.mu.Lock()
	env.validator.tokens[token] = ident
	env.validator.mu.Unlock()

	ws, _, err := gorillawebsocket.DefaultDialer.Dial(env.wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	if f := readFrame(t, ws); f.EventKind != events.KindConnectionReady {
		t.Fatalf("expected connection:ready, got %s", f.EventKind)
	}
	return ws
}

func readFrame(t *testing.T, ws *gorillawebsocket.Conn) wireFrame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f wireFrame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// expectSilence fails if ws receives anything within a short window. The
// socket must not be read again afterwards.
func expectSilence(t *testing.T, ws *gorillawebsocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, data, err := ws.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, got %s", data)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func decodeNotification(t *testing.T, f wireFrame) events.NotificationNew {
	t.Helper()
	if f.EventKind != events.KindNotificationNew {
		t.Fatalf("expected notification:new, got %s", f.EventKind)
	}
	var n events.NotificationNew
	if err := json.Unmarshal(f.Payload, &n); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	return n
}

func patient() *auth.Identity {
	return &auth.Identity{ID: uuid.New(), Role: auth.RolePatient, Active: true}
}

func doctorAt(hospital uuid.UUID) *auth.Identity {
	return &auth.Identity{ID: uuid.New(), Role: auth.RoleDoctor, Active: true, HospitalID: &hospital}
}
