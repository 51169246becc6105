package events

import (
	"context"
)

// Publisher publishes domain events. Services depend on this narrow
// interface; a nil Publisher means event streaming is disabled.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// EventBus defines the interface for event publishing and subscription
type EventBus interface {
	Publisher

	// Subscribe delivers events whose type matches pattern (e.g. "agent.*")
	Subscribe(ctx context.Context, pattern string, handler Handler) error

	Close()

	Health(ctx context.Context) error
}

// Ensure Bus implements EventBus
var _ EventBus = (*Bus)(nil)
