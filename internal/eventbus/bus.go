// Package eventbus provides the internal pub/sub abstraction connecting the
// RPC connection manager's executor lifecycle notices (spawn or initialize
// failure, process exit) to the daemon, with an in-memory implementation and
// a NATS-backed one. The protocol tap does not use the bus.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message published on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an Event with a fresh id and timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes a delivered Event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is a live subscription that can be torn down.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the pub/sub surface the daemon and RPC connection manager share.
type Bus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error
	// Subscribe delivers every matching event to handler.
	Subscribe(subject string, handler Handler) (Subscription, error)
	// QueueSubscribe load-balances matching events across a queue group.
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
	// Close tears down the bus and all subscriptions.
	Close()
	// IsConnected reports whether the bus can currently deliver events.
	IsConnected() bool
}
