package ws

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mentorhub/realtime/internal/event"
	"github.com/mentorhub/realtime/internal/stats"
)

// newTestHub starts a full hub (registry + HTTP server) and returns the
// registry, the test server and the ws:// URL of the upgrade endpoint.
func newTestHub(t *testing.T, authToken string) (*Registry, *httptest.Server, string) {
	t.Helper()

	r := NewRegistry(Options{SendBuffer: 8, PingInterval: time.Minute}, zerolog.Nop())
	s := NewServer(r, time.Minute, nil, authToken, zerolog.Nop())
	if collector, err := stats.NewCollector(r); err == nil {
		s.SetStatsCollector(collector)
	}

	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return r, srv, wsURL
}

func dialHub(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readEventFrame(t *testing.T, conn *websocket.Conn) EventFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f EventFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal frame %s: %v", data, err)
	}
	return f
}

func TestSubscribeThenPublishDelivers(t *testing.T) {
	r, _, wsURL := newTestHub(t, "")
	conn := dialHub(t, wsURL)

	sendFrame(t, conn, `{"type":"subscribe","sessionId":"abc123"}`)
	waitFor(t, "subscription", func() bool { return r.Subscriptions()["abc123"] == 1 })

	payload := json.RawMessage(`{"id":"abc123","status":"cancelled"}`)
	if sent := r.Publish("abc123", event.TypeCancelled, payload); sent != 1 {
		t.Fatalf("Publish sent %d, want 1", sent)
	}

	f := readEventFrame(t, conn)
	if f.Type != event.TypeCancelled {
		t.Errorf("type = %q, want cancelled", f.Type)
	}
	if string(f.Session) != string(payload) {
		t.Errorf("session = %s, want %s", f.Session, payload)
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	r, _, wsURL := newTestHub(t, "")
	conn := dialHub(t, wsURL)

	sendFrame(t, conn, `this is not json{{{`)

	// The connection must survive the bad frame: a subsequent valid
	// subscribe still works.
	sendFrame(t, conn, `{"type":"subscribe","sessionId":"abc123"}`)
	waitFor(t, "subscription after bad frame", func() bool { return r.Subscriptions()["abc123"] == 1 })

	r.Publish("abc123", event.TypeUpdated, json.RawMessage(`{"id":"abc123"}`))
	if f := readEventFrame(t, conn); f.Type != event.TypeUpdated {
		t.Errorf("type = %q, want updated", f.Type)
	}
}

func TestUnknownControlTypeDropped(t *testing.T) {
	r, _, wsURL := newTestHub(t, "")
	conn := dialHub(t, wsURL)

	sendFrame(t, conn, `{"type":"resync"}`)
	sendFrame(t, conn, `{"type":"subscribe"}`) // missing sessionId, also dropped
	sendFrame(t, conn, `{"type":"subscribe","sessionId":"ok"}`)

	waitFor(t, "valid subscribe after dropped frames", func() bool { return r.Subscriptions()["ok"] == 1 })
	if got := r.SessionCount(); got != 1 {
		t.Errorf("SessionCount = %d, want 1", got)
	}
}

func TestUnsubscribedClientStopsReceiving(t *testing.T) {
	r, _, wsURL := newTestHub(t, "")
	staying := dialHub(t, wsURL)
	leaving := dialHub(t, wsURL)

	sendFrame(t, staying, `{"type":"subscribe","sessionId":"xyz"}`)
	sendFrame(t, leaving, `{"type":"subscribe","sessionId":"xyz"}`)
	waitFor(t, "both subscriptions", func() bool { return r.Subscriptions()["xyz"] == 2 })

	sendFrame(t, leaving, `{"type":"unsubscribe","sessionId":"xyz"}`)
	waitFor(t, "unsubscribe", func() bool { return r.Subscriptions()["xyz"] == 1 })

	if sent := r.Publish("xyz", event.TypeUpdated, json.RawMessage(`{"id":"xyz"}`)); sent != 1 {
		t.Fatalf("Publish sent %d, want 1", sent)
	}
	if f := readEventFrame(t, staying); f.Type != event.TypeUpdated {
		t.Errorf("type = %q, want updated", f.Type)
	}

	leaving.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := leaving.ReadMessage(); err == nil {
		t.Errorf("unsubscribed client received frame: %s", data)
	}
}

// Frames from one connection are handled in arrival order, so subscribe
// immediately followed by unsubscribe lands on "unsubscribed".
func TestRapidSubscribeUnsubscribeResolvesUnsubscribed(t *testing.T) {
	r, _, wsURL := newTestHub(t, "")
	conn := dialHub(t, wsURL)

	sendFrame(t, conn, `{"type":"subscribe","sessionId":"flappy"}`)
	sendFrame(t, conn, `{"type":"unsubscribe","sessionId":"flappy"}`)
	sendFrame(t, conn, `{"type":"subscribe","sessionId":"sentinel"}`)

	// FIFO: once the sentinel subscribe is visible, the first two frames
	// have been processed.
	waitFor(t, "sentinel subscription", func() bool { return r.Subscriptions()["sentinel"] == 1 })

	if got := r.Subscriptions()["flappy"]; got != 0 {
		t.Errorf("flappy subscribers = %d, want 0", got)
	}
}

func TestClientDisconnectCleansUpRegistry(t *testing.T) {
	r, _, wsURL := newTestHub(t, "")
	conn := dialHub(t, wsURL)

	sendFrame(t, conn, `{"type":"subscribe","sessionId":"s1"}`)
	sendFrame(t, conn, `{"type":"subscribe","sessionId":"s2"}`)
	waitFor(t, "subscriptions", func() bool { return r.SessionCount() == 2 })

	conn.Close()

	waitFor(t, "registry cleanup", func() bool {
		return r.ConnCount() == 0 && r.SessionCount() == 0
	})
}

func TestPublishEndpoint(t *testing.T) {
	r, srv, wsURL := newTestHub(t, "")
	conn := dialHub(t, wsURL)

	sendFrame(t, conn, `{"type":"subscribe","sessionId":"abc123"}`)
	waitFor(t, "subscription", func() bool { return r.Subscriptions()["abc123"] == 1 })

	body := bytes.NewBufferString(`{"type":"crisis_support_needed","session":{"id":"abc123","status":"crisis_flagged"}}`)
	resp, err := http.Post(srv.URL+"/api/sessions/abc123/events", "application/json", body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var out map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["delivered"] != 1 {
		t.Errorf("delivered = %d, want 1", out["delivered"])
	}

	if f := readEventFrame(t, conn); f.Type != event.TypeCrisisSupportNeeded {
		t.Errorf("type = %q, want crisis_support_needed", f.Type)
	}
}

func TestPublishEndpointValidation(t *testing.T) {
	_, srv, _ := newTestHub(t, "")

	// Missing event type.
	resp, err := http.Post(srv.URL+"/api/sessions/abc/events", "application/json",
		bytes.NewBufferString(`{"session":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing type: status = %d, want 400", resp.StatusCode)
	}

	// Wrong method.
	resp, err = http.Get(srv.URL + "/api/sessions/abc/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET: status = %d, want 405", resp.StatusCode)
	}

	// Unknown subpath.
	resp, err = http.Post(srv.URL+"/api/sessions/abc/focus", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown subpath: status = %d, want 404", resp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	r, srv, wsURL := newTestHub(t, "")
	conn := dialHub(t, wsURL)

	sendFrame(t, conn, `{"type":"subscribe","sessionId":"abc"}`)
	waitFor(t, "subscription", func() bool { return r.Subscriptions()["abc"] == 1 })

	resp, err := http.Get(srv.URL + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var s stats.Stats
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if s.Connections != 1 {
		t.Errorf("connections = %d, want 1", s.Connections)
	}
	if s.Subscriptions["abc"] != 1 {
		t.Errorf("subscriptions[abc] = %d, want 1", s.Subscriptions["abc"])
	}
}

func TestAuthToken(t *testing.T) {
	_, srv, wsURL := newTestHub(t, "hunter2")

	// REST without token is rejected.
	resp, err := http.Get(srv.URL + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	// Bearer token is accepted.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/stats", nil)
	req.Header.Set("Authorization", "Bearer hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer token: status = %d, want 200", resp.StatusCode)
	}

	// WS upgrade without token is rejected.
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Error("ws dial without token should fail")
	}

	// Query token works for the upgrade (browsers cannot set headers here).
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=hunter2", nil)
	if err != nil {
		t.Fatalf("ws dial with token: %v", err)
	}
	conn.Close()
}

func TestMaxConnections(t *testing.T) {
	r := NewRegistry(Options{MaxConnections: 2, PingInterval: time.Minute}, zerolog.Nop())
	s := NewServer(r, time.Minute, nil, "", zerolog.Nop())
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	c1 := dialHub(t, wsURL)
	_ = dialHub(t, wsURL)
	waitFor(t, "two connections", func() bool { return r.ConnCount() == 2 })

	// Third connection is upgraded then immediately closed by the server.
	c3, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		c3.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := c3.ReadMessage(); err == nil {
			t.Error("expected third connection to be closed")
		}
		c3.Close()
	}
	if got := r.ConnCount(); got != 2 {
		t.Errorf("ConnCount = %d, want 2", got)
	}

	// Dropping one frees a slot.
	c1.Close()
	waitFor(t, "slot freed", func() bool { return r.ConnCount() == 1 })

	_ = dialHub(t, wsURL)
	waitFor(t, "slot reused", func() bool { return r.ConnCount() == 2 })
}
