package streaming

import "context"

// Coordination event types published on the hub.
const (
	EventSessionCreated         = "session.created"
	EventSessionStatus          = "session.status"
	EventSessionCancelRequested = "session.cancel_requested"
	EventSessionOrphaned        = "session.orphaned"
	EventSignalRegistered       = "signal.registered"
	EventSignalFired            = "signal.fired"
	EventSignalCancelled        = "signal.cancelled"
	EventSignalTimeout          = "signal.timeout"
	EventCheckpointCreated      = "checkpoint.created"
	EventCheckpointResponded    = "checkpoint.responded"
	EventCheckpointCancelled    = "checkpoint.cancelled"
)

// WakeEvent announces a coordination state change to in-process observers.
// It is advisory only: waiters always re-read the store before acting,
// since out-of-process mutations never pass through the hub.
type WakeEvent struct {
	EventType string `json:"event_type"`
	EntityID  string `json:"entity_id"`
	SessionID string `json:"session_id,omitempty"`
	CascadeID string `json:"cascade_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WakeFilter specifies which events a subscriber wants to receive.
type WakeFilter struct {
	EntityID   string   `json:"entity_id,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// WakeHub provides pub/sub for coordination events. Same-process waiters
// use it as a fast path in front of store polling.
type WakeHub interface {
	Publish(ctx context.Context, event WakeEvent) error
	Subscribe(ctx context.Context, filter WakeFilter) (<-chan WakeEvent, func(), error)
}
