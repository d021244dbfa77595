// Package realtime owns the live connections of this process: the registry
// that indexes them by identity and topic, and the websocket handshake and
// pumps that feed them.
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"

	"github.com/medconnect/realtime/internal/platform/audience"
	"github.com/medconnect/realtime/internal/platform/auth"
)

var (
	ErrSlowConsumer     = errors.New("connection send buffer full")
	ErrConnectionClosed = errors.New("connection closed")
	ErrRegistryClosed   = errors.New("registry closed")
	ErrRevoked          = errors.New("session revoked during handshake")
)

// Conn abstracts a websocket connection for testability.
// *gorilla/websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ConnectionID is a ULID, so ids sort by registration time.
type ConnectionID string

// Close reasons, also used as metric labels.
const (
	reasonClient   = "client"
	reasonRevoked  = "revoked"
	reasonShutdown = "shutdown"
	reasonPolicy   = "policy"
	reasonWrite    = "write_error"
)

// Connection is one live channel to one identity. Its topic set is fixed at
// handshake time.
type Connection struct {
	id          ConnectionID
	identity    *auth.Identity
	topics      []audience.Topic
	conn        Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	closeReason string
	connectedAt time.Time
}

func (c *Connection) ID() ConnectionID         { return c.id }
func (c *Connection) Identity() *auth.Identity { return c.identity }
func (c *Connection) UserID() uuid.UUID        { return c.identity.ID }
func (c *Connection) Topics() []audience.Topic { return c.topics }
func (c *Connection) ConnectedAt() time.Time   { return c.connectedAt }
func (c *Connection) Done() <-chan struct{}    { return c.done }

// Push queues an encoded frame without blocking. A full buffer drops the
// frame and returns ErrSlowConsumer.
func (c *Connection) Push(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSlowConsumer
	}
}

// shutdown closes the socket with a close frame. Safe to call more than once
// and from any goroutine; only the first call has an effect.
func (c *Connection) shutdown(code int, reason string, writeTimeout time.Duration) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closeReason = reason
		close(c.done)
		if c.conn == nil {
			return
		}
		msg := gorillawebsocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(gorillawebsocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = c.conn.Close()
	})
	return first
}
