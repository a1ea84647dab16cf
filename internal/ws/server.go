package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mentorhub/realtime/internal/event"
	"github.com/mentorhub/realtime/internal/stats"
)

// Server exposes the notification hub over HTTP: the /ws upgrade endpoint,
// the event injection endpoint used by the REST layer, and /api/stats.
type Server struct {
	registry       *Registry
	collector      *stats.Collector
	log            zerolog.Logger
	pongTimeout    time.Duration
	authToken      string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(registry *Registry, pongTimeout time.Duration, allowedOrigins []string, authToken string, log zerolog.Logger) *Server {
	s := &Server{
		registry:       registry,
		log:            log,
		pongTimeout:    pongTimeout,
		authToken:      authToken,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	if s.pongTimeout <= 0 {
		s.pongTimeout = 60 * time.Second
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetStatsCollector configures the collector behind /api/stats.
// Must be called before SetupRoutes.
func (s *Server) SetStatsCollector(c *stats.Collector) {
	s.collector = c
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/api/stats", s.handleStats)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}

	c, err := s.registry.Add(sock)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws connection rejected")
		sock.Close()
		return
	}

	s.log.Info().Str("conn", c.id).Str("remote", r.RemoteAddr).Msg("ws client connected")
	go s.readLoop(c)
}

// readLoop processes one connection's inbound frames in arrival order, so a
// rapid subscribe/unsubscribe pair from the same client resolves
// deterministically. It is the only caller of Disconnect for its connection
// and runs it exactly once, on the way out.
func (s *Server) readLoop(c *conn) {
	defer func() {
		s.registry.Disconnect(c)
		s.log.Info().Str("conn", c.id).Msg("ws client disconnected")
	}()

	c.sock.SetReadDeadline(time.Now().Add(s.pongTimeout))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}

		frame, err := parseControlFrame(data)
		if err != nil {
			// A bad frame never terminates the session.
			s.log.Debug().Err(err).Str("conn", c.id).Msg("dropping inbound frame")
			continue
		}

		switch frame.Type {
		case CtlSubscribe:
			s.registry.Subscribe(c, frame.SessionID)
			s.log.Debug().Str("conn", c.id).Str("session", frame.SessionID).Msg("subscribed")
		case CtlUnsubscribe:
			s.registry.Unsubscribe(c, frame.SessionID)
			s.log.Debug().Str("conn", c.id).Str("session", frame.SessionID).Msg("unsubscribed")
		}
	}
}

// publishRequest is the body of POST /api/sessions/{id}/events, sent by the
// REST layer after it persists a session-state change.
type publishRequest struct {
	Type    event.Type      `json:"type"`
	Session json.RawMessage `json:"session"`
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Parse: /api/sessions/{id}/events
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[1] != "events" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	sessionID, err := url.PathUnescape(parts[0])
	if err != nil || sessionID == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	s.handlePublish(w, r, sessionID)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "missing event type", http.StatusBadRequest)
		return
	}

	delivered := s.registry.Publish(sessionID, req.Type, req.Session)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]int{"delivered": delivered})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.collector == nil {
		http.Error(w, "stats not available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.collector.Snapshot())
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-MentorHub-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	host := parsed.Host
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux, log zerolog.Logger) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Info().Str("addr", addr).Msg("server listening")
	return http.ListenAndServe(addr, mux)
}
