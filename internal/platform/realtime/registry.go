package realtime

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/medconnect/realtime/internal/platform/audience"
	"github.com/medconnect/realtime/internal/platform/auth"
	"github.com/medconnect/realtime/internal/platform/metrics"
)

// RegistryOptions sizes a Registry.
type RegistryOptions struct {
	Shards       int
	SendBuffer   int
	WriteTimeout time.Duration
}

// DefaultRegistryOptions mirrors the configuration defaults.
var DefaultRegistryOptions = RegistryOptions{Shards: 32, SendBuffer: 64, WriteTimeout: 10 * time.Second}

// handshakeWindow bounds how long a Ticket stays usable. Revocations older
// than this are forgotten.
const handshakeWindow = time.Minute

// Ticket marks the point a handshake started, before its session was
// validated. Admit rejects the connection if the user was force-disconnected
// after that point.
type Ticket struct {
	seq    uint64
	issued time.Time
}

type revocation struct {
	seq uint64
	at  time.Time
}

// shard holds the membership sets of the topics that hash to it.
type shard struct {
	mu     sync.RWMutex
	topics map[audience.Topic]map[*Connection]struct{}
}

// Registry maps identities and topics to live connections. It is
// process-local; a multi-node deployment would need a pub/sub backplane in
// front of MembersOf.
//
// Lock order is r.mu, then shard locks. Pushes only take a shard read lock.
type Registry struct {
	opts    RegistryOptions
	shards  []*shard
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	conns  map[ConnectionID]*Connection
	byUser map[uuid.UUID]map[ConnectionID]*Connection
	closed bool

	seq     uint64
	revoked map[uuid.UUID]revocation

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
	now       func() time.Time
}

// NewRegistry creates an empty Registry. m may be nil.
func NewRegistry(opts RegistryOptions, logger zerolog.Logger, m *metrics.Metrics) *Registry {
	if opts.Shards <= 0 {
		opts.Shards = DefaultRegistryOptions.Shards
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultRegistryOptions.SendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultRegistryOptions.WriteTimeout
	}
	r := &Registry{
		opts:    opts,
		shards:  make([]*shard, opts.Shards),
		logger:  logger.With().Str("component", "registry").Logger(),
		metrics: m,
		conns:   make(map[ConnectionID]*Connection),
		byUser:  make(map[uuid.UUID]map[ConnectionID]*Connection),
		revoked: make(map[uuid.UUID]revocation),
		entropy: ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
		now:     time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{topics: make(map[audience.Topic]map[*Connection]struct{})}
	}
	return r
}

func (r *Registry) shardFor(t audience.Topic) *shard {
	return r.shards[xxhash.Sum64String(string(t))%uint64(len(r.shards))]
}

func (r *Registry) newID() ConnectionID {
	r.entropyMu.Lock()
	defer r.entropyMu.Unlock()
	return ConnectionID(ulid.MustNew(ulid.Timestamp(r.now()), r.entropy).String())
}

// Ticket must be taken before the session behind a handshake is validated.
func (r *Registry) Ticket() Ticket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Ticket{seq: r.seq, issued: r.now()}
}

// Register adds a connection for ident, subscribed to TopicsFor(ident).
func (r *Registry) Register(ident *auth.Identity, conn Conn) (*Connection, error) {
	return r.Admit(r.Ticket(), ident, conn)
}

// Admit registers like Register, but fails with ErrRevoked when ForceDisconnect
// ran for ident after t was taken. A revocation racing the handshake thus
// cannot leave a connection behind.
func (r *Registry) Admit(t Ticket, ident *auth.Identity, conn Conn) (*Connection, error) {
	c := &Connection{
		id:          r.newID(),
		identity:    ident,
		topics:      audience.TopicsFor(ident),
		conn:        conn,
		send:        make(chan []byte, r.opts.SendBuffer),
		done:        make(chan struct{}),
		connectedAt: r.now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if r.now().Sub(t.issued) > handshakeWindow {
		return nil, ErrRevoked
	}
	if rv, ok := r.revoked[ident.ID]; ok && rv.seq > t.seq {
		return nil, ErrRevoked
	}
	r.conns[c.id] = c
	if r.byUser[ident.ID] == nil {
		r.byUser[ident.ID] = make(map[ConnectionID]*Connection)
	}
	r.byUser[ident.ID][c.id] = c
	for _, t := range c.topics {
		s := r.shardFor(t)
		s.mu.Lock()
		if s.topics[t] == nil {
			s.topics[t] = make(map[*Connection]struct{})
		}
		s.topics[t][c] = struct{}{}
		s.mu.Unlock()
	}
	r.metrics.ConnectionOpened()
	return c, nil
}

// removeLocked drops c from every index. r.mu must be held for writing.
func (r *Registry) removeLocked(c *Connection) bool {
	if _, ok := r.conns[c.id]; !ok {
		return false
	}
	delete(r.conns, c.id)
	if m := r.byUser[c.UserID()]; m != nil {
		delete(m, c.id)
		if len(m) == 0 {
			delete(r.byUser, c.UserID())
		}
	}
	for _, t := range c.topics {
		s := r.shardFor(t)
		s.mu.Lock()
		if members, ok := s.topics[t]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(s.topics, t)
			}
		}
		s.mu.Unlock()
	}
	return true
}

// Unregister removes the connection and closes it. It reports whether the
// connection was still registered.
func (r *Registry) Unregister(id ConnectionID) bool {
	return r.unregister(id, gorillawebsocket.CloseNormalClosure, reasonClient)
}

func (r *Registry) unregister(id ConnectionID, code int, reason string) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		r.removeLocked(c)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	c.shutdown(code, reason, r.opts.WriteTimeout)
	r.metrics.ConnectionClosed(reason)
	return true
}

// MembersOf returns the live connections subscribed to t.
func (r *Registry) MembersOf(t audience.Topic) []*Connection {
	s := r.shardFor(t)
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.topics[t]
	out := make([]*Connection, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// ConnectionsFor returns every live connection of userID.
func (r *Registry) ConnectionsFor(userID uuid.UUID) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// ForceDisconnect unregisters and closes every connection of userID. When it
// returns, none of them is registered and each socket has been sent a close
// frame. Handshakes for userID still in flight are refused by Admit. It
// implements auth.Disconnector.
func (r *Registry) ForceDisconnect(userID uuid.UUID) int {
	r.mu.Lock()
	now := r.now()
	for id, rv := range r.revoked {
		if now.Sub(rv.at) > handshakeWindow {
			delete(r.revoked, id)
		}
	}
	r.seq++
	r.revoked[userID] = revocation{seq: r.seq, at: now}
	victims := make([]*Connection, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		victims = append(victims, c)
	}
	for _, c := range victims {
		r.removeLocked(c)
	}
	r.mu.Unlock()

	for _, c := range victims {
		c.shutdown(gorillawebsocket.ClosePolicyViolation, "session revoked", r.opts.WriteTimeout)
		r.metrics.ConnectionClosed(reasonRevoked)
	}
	if len(victims) > 0 {
		r.logger.Info().Str("user_id", userID.String()).Int("connections", len(victims)).Msg("force disconnected")
	}
	return len(victims)
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// TopicCount returns the number of live connections subscribed to t.
func (r *Registry) TopicCount(t audience.Topic) int {
	s := r.shardFor(t)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[t])
}

// Close closes every connection and rejects further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	all := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		all = append(all, c)
	}
	for _, c := range all {
		r.removeLocked(c)
	}
	r.mu.Unlock()

	for _, c := range all {
		c.shutdown(gorillawebsocket.CloseGoingAway, "server shutting down", r.opts.WriteTimeout)
		r.metrics.ConnectionClosed(reasonShutdown)
	}
	r.logger.Info().Int("connections", len(all)).Msg("registry closed")
}
