package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mentorhub/realtime/internal/event"
)

var ErrTooManyConnections = errors.New("too many websocket connections")

// Options bounds per-connection resources. Zero values fall back to the
// defaults below.
type Options struct {
	SendBuffer     int
	MaxConnections int // 0 = unlimited
	WriteTimeout   time.Duration
	PingInterval   time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	return o
}

// Registry owns the session → subscriber-set mapping and fans published
// events out to it. It is the only component that mutates the mapping; the
// handler and the REST layer reach it through the methods below.
//
// mu guards both maps and every conn.sessions set. Publish takes the read
// lock only long enough to snapshot the subscriber set, so publishes to
// different sessions proceed concurrently and a subscribe/unsubscribe only
// briefly excludes them.
type Registry struct {
	mu       sync.RWMutex
	conns    map[*conn]bool
	sessions map[string]map[*conn]bool

	opts Options
	log  zerolog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func NewRegistry(opts Options, log zerolog.Logger) *Registry {
	return &Registry{
		conns:    make(map[*conn]bool),
		sessions: make(map[string]map[*conn]bool),
		opts:     opts.withDefaults(),
		log:      log,
	}
}

// Add registers a freshly upgraded socket and starts its write pump.
func (r *Registry) Add(sock *websocket.Conn) (*conn, error) {
	c := newConn(sock, r.opts.SendBuffer)

	r.mu.Lock()
	if r.opts.MaxConnections > 0 && len(r.conns) >= r.opts.MaxConnections {
		r.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	r.conns[c] = true
	r.mu.Unlock()

	go c.writePump(r.opts.WriteTimeout, r.opts.PingInterval)
	return c, nil
}

// Subscribe adds the connection to sessionID's subscriber set, creating the
// set on first interest. Idempotent; unknown session IDs are valid.
func (r *Registry) Subscribe(c *conn, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.conns[c] {
		return
	}
	set, ok := r.sessions[sessionID]
	if !ok {
		set = make(map[*conn]bool)
		r.sessions[sessionID] = set
	}
	set[c] = true
	c.sessions[sessionID] = true
}

// Unsubscribe removes the connection from sessionID's set, deleting the set
// once empty so the map is bounded by active interest. No-op if the
// connection was not a member.
func (r *Registry) Unsubscribe(c *conn, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(c, sessionID)
}

func (r *Registry) removeLocked(c *conn, sessionID string) {
	if set, ok := r.sessions[sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	delete(c.sessions, sessionID)
}

// Disconnect removes the connection from every set it belongs to and stops
// its write pump. Exactly-once: later calls are no-ops. An in-flight Publish
// that already snapshotted this connection sees its enqueue fail and skips
// it.
func (r *Registry) Disconnect(c *conn) {
	r.mu.Lock()
	if !r.conns[c] {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c)
	for sessionID := range c.sessions {
		r.removeLocked(c, sessionID)
	}
	r.mu.Unlock()

	c.stop()
}

// Publish fans the event out to every current subscriber of sessionID and
// returns the number of frames enqueued. Delivery to one dead or slow
// subscriber is skipped, never retried, and never aborts the rest. Events
// are not retained: no subscribers means the event is dropped on the floor.
func (r *Registry) Publish(sessionID string, typ event.Type, payload json.RawMessage) int {
	r.published.Add(1)

	data, err := encodeEventFrame(event.Event{SessionID: sessionID, Type: typ, Payload: payload})
	if err != nil {
		r.log.Error().Err(err).Str("session", sessionID).Msg("encode event frame")
		return 0
	}

	r.mu.RLock()
	set := r.sessions[sessionID]
	targets := make([]*conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.enqueue(data) {
			sent++
		} else {
			r.dropped.Add(1)
			r.log.Warn().Str("conn", c.id).Str("session", sessionID).Msg("subscriber not keeping up, frame dropped")
		}
	}
	r.delivered.Add(uint64(sent))
	return sent
}

// CloseAll disconnects every registered connection. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		r.Disconnect(c)
	}
}

// ConnCount returns the number of registered connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SessionCount returns the number of sessions with at least one subscriber.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Counters reports cumulative publish/delivery/drop totals.
func (r *Registry) Counters() (published, delivered, dropped uint64) {
	return r.published.Load(), r.delivered.Load(), r.dropped.Load()
}

// Subscriptions returns the current subscriber count per session.
func (r *Registry) Subscriptions() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.sessions))
	for id, set := range r.sessions {
		out[id] = len(set)
	}
	return out
}
