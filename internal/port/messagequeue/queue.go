// Package messagequeue defines the message broker port (interface).
package messagequeue

import "context"

// Handler processes a message received from the broker.
// The context carries correlation values such as the organization code.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the connection immediately.
	Close() error

	// IsConnected reports whether the broker is currently reachable.
	IsConnected() bool
}

// Subjects used by the engine.
const (
	SubjectQueueEnqueue  = "relay.queue.enqueue"  // producers -> engine: new queue message
	SubjectQueueReady    = "relay.queue.ready"    // engine -> engine: a topic may have claimable work
	SubjectSandboxStatus = "relay.sandbox.status" // sandbox -> engine: task status callback
	SubjectIMDeliver     = "relay.im.deliver"     // engine -> IM layer: sequenced task message
)

// Subjects lists every subject the engine publishes or consumes.
var Subjects = []string{SubjectQueueEnqueue, SubjectQueueReady, SubjectSandboxStatus, SubjectIMDeliver}
