package providers

import (
	"context"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
)

// EventBus defines the interface for publishing and subscribing to note events
type EventBus interface {
	// Publish publishes an event to all subscribers
	Publish(ctx context.Context, channel string, event *entities.NoteEvent) error

	// Subscribe subscribes to events on a channel
	Subscribe(ctx context.Context, channel string) (<-chan *entities.NoteEvent, error)

	// Unsubscribe unsubscribes from a channel
	Unsubscribe(ctx context.Context, channel string) error

	// Close closes the event bus and all subscriptions
	Close() error
}

// EventChannel constants for note events
const (
	// EventChannelNotes is the channel for all note events
	EventChannelNotes = "notes:events"

	// EventChannelUserPrefix is the prefix for per-user channels
	EventChannelUserPrefix = "notes:user:"
)

// GetUserChannel returns the channel name for a specific user
func GetUserChannel(userID string) string {
	return EventChannelUserPrefix + userID
}
