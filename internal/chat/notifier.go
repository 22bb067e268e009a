package chat

import "context"

type EventType string

const (
	EventMessage   EventType = "message"
	EventStarted   EventType = "started"
	EventChunk     EventType = "chunk"
	EventFinalized EventType = "finalized"
)

// Event is pushed to session subscribers as messages change.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	MessageID uint64    `json:"message_id"`
	Delta     string    `json:"delta,omitempty"`
	Message   *Message  `json:"message,omitempty"`
}

// Notifier fans session events out to listeners. Delivery is best effort;
// the store stays the source of truth.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}
