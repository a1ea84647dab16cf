package ws

import (
	"encoding/json"
	"fmt"

	"github.com/mentorhub/realtime/internal/event"
)

// ControlType identifies an inbound client frame.
type ControlType string

const (
	CtlSubscribe   ControlType = "subscribe"
	CtlUnsubscribe ControlType = "unsubscribe"
)

// ControlFrame is a client-to-server message. Subscribe and unsubscribe
// both require SessionID.
type ControlFrame struct {
	Type      ControlType `json:"type"`
	SessionID string      `json:"sessionId"`
}

// parseControlFrame decodes an inbound frame and validates the fields the
// frame type requires. A non-nil error means the frame should be dropped;
// the connection stays open either way.
func parseControlFrame(data []byte) (ControlFrame, error) {
	var f ControlFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("malformed frame: %w", err)
	}
	switch f.Type {
	case CtlSubscribe, CtlUnsubscribe:
		if f.SessionID == "" {
			return f, fmt.Errorf("%s frame missing sessionId", f.Type)
		}
		return f, nil
	default:
		return f, fmt.Errorf("unknown control type %q", f.Type)
	}
}

// EventFrame is the server-to-client wire shape: the event type is hoisted
// into the top-level "type" field and the opaque session snapshot rides in
// "session".
type EventFrame struct {
	Type    event.Type      `json:"type"`
	Session json.RawMessage `json:"session"`
}

func encodeEventFrame(ev event.Event) ([]byte, error) {
	return json.Marshal(EventFrame{Type: ev.Type, Session: ev.Payload})
}
