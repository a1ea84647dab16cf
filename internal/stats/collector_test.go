package stats

import (
	"encoding/json"
	"testing"
)

type fakeSource struct{}

func (fakeSource) ConnCount() int    { return 3 }
func (fakeSource) SessionCount() int { return 2 }
func (fakeSource) Subscriptions() map[string]int {
	return map[string]int{"a": 2, "b": 1}
}
func (fakeSource) Counters() (uint64, uint64, uint64) { return 10, 9, 1 }

func TestSnapshot(t *testing.T) {
	c, err := NewCollector(fakeSource{})
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	s := c.Snapshot()

	if s.Connections != 3 {
		t.Errorf("Connections = %d, want 3", s.Connections)
	}
	if s.Sessions != 2 {
		t.Errorf("Sessions = %d, want 2", s.Sessions)
	}
	if s.EventsPublished != 10 || s.FramesDelivered != 9 || s.FramesDropped != 1 {
		t.Errorf("counters = %d/%d/%d, want 10/9/1", s.EventsPublished, s.FramesDelivered, s.FramesDropped)
	}
	if s.Goroutines <= 0 {
		t.Errorf("Goroutines = %d, want > 0", s.Goroutines)
	}
	if s.Subscriptions["a"] != 2 {
		t.Errorf("Subscriptions[a] = %d, want 2", s.Subscriptions["a"])
	}

	// The response must serialise cleanly for the /api/stats handler.
	if _, err := json.Marshal(s); err != nil {
		t.Errorf("marshal: %v", err)
	}
}
