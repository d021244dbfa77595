package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/medconnect/realtime/internal/platform/auth"
	"github.com/medconnect/realtime/internal/platform/events"
	"github.com/medconnect/realtime/internal/platform/metrics"
)

// HandlerOptions tune the per-connection pumps.
type HandlerOptions struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	InboundRPS      float64
	InboundBurst    int
	AllowedOrigins  []string
}

var DefaultHandlerOptions = HandlerOptions{
	PingInterval:    25 * time.Second,
	PongTimeout:     60 * time.Second,
	WriteTimeout:    10 * time.Second,
	MaxMessageBytes: 4096,
	InboundRPS:      5,
	InboundBurst:    10,
}

// ClientMessage is an inbound message from a client.
type ClientMessage struct {
	Action string `json:"action"`
}

// Handler authenticates handshakes against the session store and runs the
// read and write pumps of each accepted connection.
type Handler struct {
	registry  *Registry
	validator auth.Validator
	opts      HandlerOptions
	upgrader  gorillawebsocket.Upgrader
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// NewHandler creates a handshake handler bound to registry.
func NewHandler(registry *Registry, validator auth.Validator, opts HandlerOptions, logger zerolog.Logger, m *metrics.Metrics) *Handler {
	h := &Handler{
		registry:  registry,
		validator: validator,
		opts:      opts,
		logger:    logger.With().Str("component", "realtime").Logger(),
		metrics:   m,
	}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients) and browser requests from an allowed origin.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// RegisterRoutes registers the handshake endpoint.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", h.HandleConnect)
}

func handshakeToken(c echo.Context) string {
	if tok := c.QueryParam("token"); tok != "" {
		return tok
	}
	return auth.BearerToken(c.Request())
}

// HandleConnect validates the bearer token, upgrades, registers the
// connection, and starts its pumps. No registry entry exists for a rejected
// handshake.
func (h *Handler) HandleConnect(c echo.Context) error {
	ticket := h.registry.Ticket()
	ident, err := h.validator.Validate(c.Request().Context(), handshakeToken(c))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidSession) {
			h.metrics.HandshakeRejected("unauthorized")
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		h.metrics.HandshakeRejected("unavailable")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable").SetInternal(err)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.metrics.HandshakeRejected("upgrade")
		return nil
	}

	conn, err := h.registry.Admit(ticket, ident, ws)
	if errors.Is(err, ErrRevoked) {
		h.metrics.HandshakeRejected("revoked")
		msg := gorillawebsocket.FormatCloseMessage(gorillawebsocket.ClosePolicyViolation, "session revoked")
		_ = ws.WriteControl(gorillawebsocket.CloseMessage, msg, time.Now().Add(h.opts.WriteTimeout))
		_ = ws.Close()
		return nil
	}
	if err != nil {
		msg := gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseGoingAway, "server shutting down")
		_ = ws.WriteControl(gorillawebsocket.CloseMessage, msg, time.Now().Add(h.opts.WriteTimeout))
		_ = ws.Close()
		return nil
	}

	topics := make([]string, len(conn.Topics()))
	for i, t := range conn.Topics() {
		topics[i] = string(t)
	}
	h.pushFrame(conn, events.ConnectionReady{ConnectionID: string(conn.ID()), Topics: topics})

	h.logger.Debug().
		Str("connection_id", string(conn.ID())).
		Str("user_id", ident.ID.String()).
		Str("role", string(ident.Role)).
		Msg("connection registered")

	go h.writePump(conn)
	go h.readPump(conn)
	return nil
}

func (h *Handler) pushFrame(conn *Connection, p events.Payload) {
	data, err := events.NewFrame(p, time.Now()).Encode()
	if err != nil {
		h.logger.Error().Err(err).Str("event_kind", string(p.Kind())).Msg("failed to encode frame")
		return
	}
	if err := conn.Push(data); err != nil {
		h.logger.Warn().Err(err).Str("connection_id", string(conn.ID())).Msg("failed to queue frame")
	}
}

// readPump enforces the liveness window and the inbound message rate. Any
// read error, including a missed pong, unregisters the connection.
func (h *Handler) readPump(conn *Connection) {
	ws := conn.conn
	defer h.registry.Unregister(conn.ID())

	ws.SetReadLimit(h.opts.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	})

	limiter := rate.NewLimiter(rate.Limit(h.opts.InboundRPS), h.opts.InboundBurst)
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseNormalClosure, gorillawebsocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Str("connection_id", string(conn.ID())).Msg("connection read failed")
			}
			return
		}
		if !limiter.Allow() {
			h.logger.Warn().
				Str("connection_id", string(conn.ID())).
				Str("user_id", conn.UserID().String()).
				Msg("inbound rate exceeded")
			h.registry.unregister(conn.ID(), gorillawebsocket.ClosePolicyViolation, reasonPolicy)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Action == "ping" {
			h.pushFrame(conn, events.Pong{})
		}
	}
}

// writePump drains the send buffer and pings on a fixed interval. It is the
// only writer of data frames on the socket.
func (h *Handler) writePump(conn *Connection) {
	ws := conn.conn
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case frame := <-conn.send:
			_ = ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, frame); err != nil {
				h.registry.unregister(conn.ID(), gorillawebsocket.CloseInternalServerErr, reasonWrite)
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(gorillawebsocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				h.registry.unregister(conn.ID(), gorillawebsocket.CloseInternalServerErr, reasonWrite)
				return
			}
		}
	}
}
