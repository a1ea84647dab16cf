package event

import "encoding/json"

// Type classifies session lifecycle events. The set is open-ended: the
// publishing side may introduce new types and they pass through the hub
// untouched, so Type is a plain string rather than an enum.
type Type string

// Well-known event types emitted by the booking layer.
const (
	TypeCreated             Type = "created"
	TypeUpdated             Type = "updated"
	TypeRescheduled         Type = "rescheduled"
	TypeCancelled           Type = "cancelled"
	TypeCrisisSupportNeeded Type = "crisis_support_needed"
)

// Event carries a session state change to subscribers. Payload is an opaque
// snapshot supplied by the publisher at publish time; the hub never inspects
// it. Events are not queued or retained — a subscriber that connects after
// publication never sees it.
type Event struct {
	SessionID string
	Type      Type
	Payload   json.RawMessage
}
