package interfaces

import (
	"context"

	"fleetwatch/internal/model"
)

// EventHandler receives decoded status events from a subscription.
// It is called from the source's reader goroutine and must not block.
type EventHandler func(evt model.StatusEvent)

// EventSource live status event channel
// Supports multiple implementations like Pusher/Reverb WebSocket, Redis pub/sub, etc.
type EventSource interface {
	// Subscribe joins topic and dispatches every decoded status event to handler.
	// Malformed payloads are dropped by the source and never reach handler.
	Subscribe(ctx context.Context, topic string, handler EventHandler) error

	// Unsubscribe leaves topic; unknown topics are ignored
	Unsubscribe(topic string) error

	// Close releases the underlying connection
	Close() error
}
