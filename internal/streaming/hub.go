// Package streaming fans classified execution events out to live subscribers
// (the CLI printer, the MCP server, tests).
package streaming

import (
	"context"
	"time"
)

// StreamEvent is one event of a running execution as seen by subscribers.
type StreamEvent struct {
	ExecutionID string    `json:"execution_id"`
	StepID      string    `json:"step_id,omitempty"`
	EventType   string    `json:"event_type"`
	Category    string    `json:"category,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	Time        time.Time `json:"time"`
}

// EventFilter selects events for a subscriber. Empty fields match everything.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
	Categories  []string `json:"categories,omitempty"`
}

// EventHub is a pub/sub bus for execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
