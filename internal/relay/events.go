// ABOUTME: Normalized inbound event and the transport contract the relay drives.
// ABOUTME: Mentions and plain messages both arrive here in the same shape.

package relay

import (
	"context"
)

// InboundEvent is one normalized chat event. It is transient: the dispatcher
// consumes it and never stores it.
type InboundEvent struct {
	Channel  string // conversation key
	UserID   string // author of the triggering message
	Text     string // raw text, possibly carrying a self-mention token
	TS       string // timestamp of the triggering message
	ThreadTS string // thread anchor if the message is already in a thread
}

// Handler receives normalized events from the transport in arrival order.
type Handler func(ctx context.Context, evt InboundEvent)

// Sender is the outbound slice of the transport.
type Sender interface {
	// Send posts text to a channel, threaded under threadTS.
	Send(ctx context.Context, channel, threadTS, text string) error
}

// Transport is the chat-platform session the relay drives. Implementations
// must deliver events to the handler sequentially, in arrival order.
type Transport interface {
	Sender

	// Identity returns the bot's own user identifier.
	Identity(ctx context.Context) (string, error)

	// Run blocks, delivering events to handler until the context is
	// cancelled or the session fails.
	Run(ctx context.Context, handler Handler) error

	// Close terminates the session, unblocking Run.
	Close() error
}
