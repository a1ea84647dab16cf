// Package client maintains one logical connection to the session-event hub.
// The transport is re-established automatically after loss and logical
// subscriptions survive reconnects: application code subscribes once and
// keeps receiving events regardless of how often the socket drops.
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the connection manager's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

var stateNames = map[State]string{
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
	StateFailed:       "failed",
	StateClosed:       "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Event is one server push: the event type plus the opaque session snapshot
// exactly as published.
type Event struct {
	Type    string          `json:"type"`
	Session json.RawMessage `json:"session"`
}

// Callback receives events for a session the application subscribed to.
// Callbacks run on the connection's read goroutine; long work should be
// handed off.
type Callback func(ev Event)

// Options tunes the manager. Zero values get the defaults below.
type Options struct {
	// Token, when set, is sent as a bearer token on the upgrade request.
	Token string

	// BaseDelay is the first reconnect delay; it doubles per consecutive
	// failed attempt up to MaxDelay and resets on any successful connect.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxAttempts bounds consecutive failed connection attempts before the
	// manager gives up and enters StateFailed. 0 = unlimited.
	MaxAttempts int

	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration

	// OnStateChange, when set, is invoked after every state transition.
	OnStateChange func(State)

	// Logger defaults to a disabled logger when nil.
	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	return o
}

// controlFrame matches the server's inbound wire shape.
type controlFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Client is the connection manager. Create with New, start with Start, and
// register interest per session with SubscribeToSession. All methods are
// safe for concurrent use.
type Client struct {
	url  string
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	running  bool
	cancel   context.CancelFunc
	subs     map[string]map[uintptr]Callback
	failures int

	writeMu sync.Mutex // serialises all conn writes (control frames, pings)
}

// New creates a manager for the given ws:// or wss:// URL. Nothing connects
// until Start.
func New(url string, opts Options) *Client {
	opts = opts.withDefaults()
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Client{
		url:   url,
		opts:  opts,
		log:   log,
		state: StateConnecting,
		subs:  make(map[string]map[uintptr]Callback),
	}
}

// Start launches the connect/reconnect loop. Calling Start on a running
// manager is a no-op; calling it after StateFailed resets the attempt
// counter and tries again.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.failures = 0
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx)
}

// Close stops the manager and drops the transport. Logical subscriptions
// stay in the local table, so a later Start picks them back up.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.running = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.setState(StateClosed)
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubscribeToSession registers cb for sessionID. Subscriptions are durable:
// they are re-sent to the server on every reconnect until unsubscribed.
// Registering the same function value twice for one session is a no-op
// (de-duplicated by function identity), so an event is never delivered twice
// to one callback.
func (c *Client) SubscribeToSession(sessionID string, cb Callback) {
	key := reflect.ValueOf(cb).Pointer()

	c.mu.Lock()
	set, ok := c.subs[sessionID]
	if !ok {
		set = make(map[uintptr]Callback)
		c.subs[sessionID] = set
	}
	set[key] = cb
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !ok && connected && conn != nil {
		c.sendControl(conn, controlFrame{Type: "subscribe", SessionID: sessionID})
	}
}

// UnsubscribeFromSession removes cb for sessionID. When the last callback
// for a session goes away, the server is told to stop sending its events.
func (c *Client) UnsubscribeFromSession(sessionID string, cb Callback) {
	key := reflect.ValueOf(cb).Pointer()

	c.mu.Lock()
	set, ok := c.subs[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(set, key)
	last := len(set) == 0
	if last {
		delete(c.subs, sessionID)
	}
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if last && connected && conn != nil {
		c.sendControl(conn, controlFrame{Type: "unsubscribe", SessionID: sessionID})
	}
}

// run is the reconnect loop: dial, resubscribe, read until the transport
// drops, back off, repeat. It exits on context cancellation or when
// consecutive failures exhaust MaxAttempts.
func (c *Client) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			c.failures++
			failures := c.failures
			c.mu.Unlock()

			if c.opts.MaxAttempts > 0 && failures >= c.opts.MaxAttempts {
				c.log.Error().Err(err).Int("attempts", failures).Msg("ws reconnect attempts exhausted")
				c.setState(StateFailed)
				c.mu.Lock()
				c.running = false
				c.mu.Unlock()
				return
			}

			delay := c.backoff(failures)
			c.log.Warn().Err(err).Dur("retry_in", delay).Msg("ws dial failed")
			c.setState(StateReconnecting)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.failures = 0
		c.mu.Unlock()
		c.setState(StateConnected)

		c.resubscribe(conn)

		pingCtx, pingCancel := context.WithCancel(ctx)
		go c.pingLoop(pingCtx, conn)

		err = c.readLoop(conn)
		pingCancel()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		c.log.Warn().Err(err).Msg("ws connection lost")
		c.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.BaseDelay):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var header http.Header
	if c.opts.Token != "" {
		header = http.Header{"Authorization": {"Bearer " + c.opts.Token}}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	return conn, err
}

// backoff returns the delay before the next attempt after n consecutive
// failures: base doubled per failure, capped at MaxDelay.
func (c *Client) backoff(n int) time.Duration {
	delay := c.opts.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= c.opts.MaxDelay {
			return c.opts.MaxDelay
		}
	}
	if delay > c.opts.MaxDelay {
		delay = c.opts.MaxDelay
	}
	return delay
}

// resubscribe replays the subscription table onto a fresh connection. This
// is what makes subscriptions survive reconnects without the application
// doing anything.
func (c *Client) resubscribe(conn *websocket.Conn) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.subs))
	for sessionID := range c.subs {
		ids = append(ids, sessionID)
	}
	c.mu.Unlock()

	for _, sessionID := range ids {
		c.sendControl(conn, controlFrame{Type: "subscribe", SessionID: sessionID})
	}
}

func (c *Client) sendControl(conn *websocket.Conn, f controlFrame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteJSON(f); err != nil {
		// The read loop notices the broken transport and reconnects; the
		// frame will be replayed by resubscribe.
		c.log.Warn().Err(err).Str("session", f.SessionID).Msgf("send %s frame", f.Type)
	}
}

// readLoop consumes frames until the transport errors, dispatching each
// event to the callbacks registered for its session.
func (c *Client) readLoop(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			continue
		}
		c.dispatch(ev)
	}
}

// dispatch fans one event out to the session's callbacks. Events for
// sessions with no registered callbacks (a race after unsubscribe) are
// silently discarded.
func (c *Client) dispatch(ev Event) {
	var session struct {
		ID string `json:"id"`
	}
	sessionID := ""
	if json.Unmarshal(ev.Session, &session) == nil {
		sessionID = session.ID
	}
	if sessionID == "" {
		return
	}

	c.mu.Lock()
	set := c.subs[sessionID]
	cbs := make([]Callback, 0, len(set))
	for _, cb := range set {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()

	// Invoke outside the lock so a callback may subscribe/unsubscribe.
	for _, cb := range cbs {
		cb(ev)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.opts.OnStateChange
	c.mu.Unlock()

	if cb != nil {
		cb(s)
	}
}
