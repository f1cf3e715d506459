// Package bus is the gateway's event fabric. Run actors publish
// lifecycle and delta events onto dot-separated subjects; the output
// tracker and the websocket hub subscribe per session. A single-node
// deployment runs on the in-process bus, a fleet shares a NATS bus —
// both honor the same subject grammar so callers never care which one
// is underneath.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("event bus closed")

// Event is one message on the fabric. The JSON shape is the wire
// format for both NATS transport and websocket frames.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps a fresh event with a UUID and the current time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler consumes one event. A returned error is logged; delivery to
// other subscribers continues regardless.
type Handler func(ctx context.Context, evt *Event) error

// Subscription is a live binding of a handler to a subject pattern.
type Subscription interface {
	Unsubscribe() error
}

// EventBus fans events out by subject. Subjects are dot-separated
// tokens ("run.<id>", "session.<key>"); subscribe patterns may use the
// NATS wildcards, * for exactly one token and > for one or more
// trailing tokens.
type EventBus interface {
	// Publish delivers an event to every matching subscriber.
	// A subject nobody listens on is a no-op, not an error.
	Publish(ctx context.Context, subject string, evt *Event) error

	// Subscribe binds a handler to a subject pattern.
	Subscribe(pattern string, h Handler) (Subscription, error)

	// Close tears the bus down; further publishes fail with ErrClosed.
	Close()
}
