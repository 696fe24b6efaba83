package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType names a broker event. The prefix before the first dot is the
// subsystem that emits it.
type EventType string

const (
	EventSurfaceOpened       EventType = "surface.opened"
	EventSurfaceClosed       EventType = "surface.closed"
	EventSurfaceStateChanged EventType = "surface.state_changed"

	EventDefinitionSaved   EventType = "definition.saved"
	EventDefinitionChanged EventType = "definition.changed"
	EventDefinitionDeleted EventType = "definition.deleted"

	EventSessionOpened EventType = "session.opened"
	EventSessionClosed EventType = "session.closed"

	EventToolCallCompleted EventType = "tool.call.completed"
)

// Event is what travels on the bus and, verbatim, in event frames.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SurfaceEventPayload accompanies surface.* and definition.* events.
type SurfaceEventPayload struct {
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
	State  string `json:"state,omitempty"`
}

type EventHandler func(ctx context.Context, event Event)

// EventBus fans events out to subscribers. Subscribe and SubscribeAll
// return a func that removes the subscription.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	// Close stops accepting events and waits for queued ones to be handled.
	Close()
}

// NewEvent stamps an event of type typ with the current time. payload is
// JSON-encoded; a value that cannot be encoded is left out.
func NewEvent(typ EventType, payload any) Event {
	ev := Event{Type: typ, Timestamp: time.Now().UTC()}
	if payload == nil {
		return ev
	}
	if raw, err := json.Marshal(payload); err == nil {
		ev.Payload = raw
	}
	return ev
}
