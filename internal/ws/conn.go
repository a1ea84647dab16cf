package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// conn wraps one server-side WebSocket connection. Outbound frames go
// through the buffered send channel and a dedicated write pump goroutine, so
// a slow reader never blocks the registry. sessions mirrors the registry's
// per-session sets for O(subscriptions) teardown and is guarded by
// Registry.mu — only the registry touches it.
type conn struct {
	id   string
	sock *websocket.Conn
	send chan []byte

	done     chan struct{}
	stopOnce sync.Once

	sessions map[string]bool
}

func newConn(sock *websocket.Conn, sendBuffer int) *conn {
	return &conn{
		id:       uuid.NewString(),
		sock:     sock,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		sessions: make(map[string]bool),
	}
}

// stop signals the write pump to exit. Safe to call more than once and
// concurrently with enqueue.
func (c *conn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// enqueue hands a frame to the write pump without blocking. Returns false if
// the connection is shutting down or the send buffer is full; the frame is
// dropped for this connection only.
func (c *conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// writePump serialises all writes to the socket: queued frames plus
// keepalive pings. It owns the socket's write side and closes the socket on
// exit, which also unblocks the read loop.
func (c *conn) writePump(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
