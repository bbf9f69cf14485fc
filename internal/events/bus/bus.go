// Package bus provides event distribution for agentrelay lifecycle events.
// An in-memory bus is the default; NATS is used when an URL is configured.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the server.
const (
	SubjectSessionCreated = "session.created"
	SubjectSessionDied    = "session.died"
	SubjectSessionEvicted = "session.evicted"
	SubjectTaskUpdated    = "task.updated"
	SubjectBudgetRecorded = "budget.recorded"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe surface shared by implementations.
type EventBus interface {
	// Publish sends an event to a subject. Delivery is fire-and-forget.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern ("*" matches one
	// token, ">" matches the rest, NATS-style).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the bus.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
