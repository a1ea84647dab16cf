package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/mentorhub/realtime/internal/event"
	"github.com/mentorhub/realtime/internal/ws"
)

// sessionSnapshot is the fake session-state payload published with each
// event, shaped like what the booking layer's document store holds.
type sessionSnapshot struct {
	ID          string    `json:"id"`
	MentorID    string    `json:"mentorId"`
	MenteeID    string    `json:"menteeId"`
	Status      string    `json:"status"`
	Topic       string    `json:"topic"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

type mockSession struct {
	snap         sessionSnapshot
	tick         int
	rescheduleAt int // tick at which the session gets moved (0 = never)
	cancelAt     int // tick at which the session is cancelled (0 = completes quietly)
	crisisAt     int // tick at which a crisis flag is raised (0 = never)
}

var topics = []string{
	"career planning", "interview prep", "code review habits",
	"burnout recovery", "first 90 days", "public speaking",
}

// Generator publishes a synthetic stream of session lifecycle events so the
// hub and client library can be exercised without the booking REST layer.
type Generator struct {
	registry *ws.Registry
	interval time.Duration
	log      zerolog.Logger
	sessions []*mockSession
	nextID   int
}

func NewGenerator(registry *ws.Registry, interval time.Duration, log zerolog.Logger) *Generator {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Generator{registry: registry, interval: interval, log: log}
}

// Start seeds a handful of sessions and advances them on a ticker until the
// context is cancelled.
func (g *Generator) Start(ctx context.Context) {
	for i := 0; i < 4; i++ {
		g.sessions = append(g.sessions, g.spawn())
	}

	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.step()
			}
		}
	}()
}

func (g *Generator) spawn() *mockSession {
	g.nextID++
	s := &mockSession{
		snap: sessionSnapshot{
			ID:          fmt.Sprintf("mock-session-%03d", g.nextID),
			MentorID:    fmt.Sprintf("mentor-%d", rand.Intn(8)+1),
			MenteeID:    fmt.Sprintf("mentee-%d", rand.Intn(40)+1),
			Status:      "booked",
			Topic:       topics[rand.Intn(len(topics))],
			ScheduledAt: time.Now().Add(time.Duration(rand.Intn(96)+24) * time.Hour),
		},
		cancelAt: rand.Intn(10) + 6,
	}
	if rand.Intn(3) == 0 {
		s.rescheduleAt = rand.Intn(4) + 2
	}
	if rand.Intn(6) == 0 {
		s.crisisAt = rand.Intn(4) + 2
	}
	return s
}

func (g *Generator) step() {
	for i, s := range g.sessions {
		s.tick++
		switch {
		case s.tick == 1:
			g.publish(s, event.TypeCreated)
		case s.tick == s.crisisAt:
			s.snap.Status = "crisis_flagged"
			g.publish(s, event.TypeCrisisSupportNeeded)
		case s.tick == s.rescheduleAt:
			s.snap.ScheduledAt = s.snap.ScheduledAt.Add(time.Duration(rand.Intn(48)+1) * time.Hour)
			g.publish(s, event.TypeRescheduled)
		case s.tick >= s.cancelAt:
			s.snap.Status = "cancelled"
			g.publish(s, event.TypeCancelled)
			g.sessions[i] = g.spawn()
		default:
			g.publish(s, event.TypeUpdated)
		}
	}
}

func (g *Generator) publish(s *mockSession, typ event.Type) {
	payload, err := json.Marshal(s.snap)
	if err != nil {
		g.log.Error().Err(err).Str("session", s.snap.ID).Msg("marshal mock snapshot")
		return
	}
	g.registry.Publish(s.snap.ID, typ, payload)
}
