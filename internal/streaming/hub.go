package streaming

import (
	"context"

	"github.com/rendis/maestro/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event schema.ExecutionEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ExecutionEvent, func(), error)
}
