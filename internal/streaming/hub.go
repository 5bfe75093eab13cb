// Package streaming fans credential lifecycle events out to in-process
// subscribers such as provider health monitors.
package streaming

import (
	"context"
	"time"
)

// Event is a credential lifecycle notification. Payloads never carry
// secret material.
type Event struct {
	ProviderID string         `json:"provider_id"`
	EventType  string         `json:"event_type"`
	ActorID    string         `json:"actor_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ProviderID string   `json:"provider_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for credential events.
type EventHub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, func(), error)
}
