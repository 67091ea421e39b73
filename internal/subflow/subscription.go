package subflow

import "context"

// Subscription owns the consumers attached to one subscription of a topic.
// It selects what each consumer receives, persists acknowledgments and
// performs the re-read of entries handed back for redelivery.
type Subscription interface {
	Topic() string
	Name() string
	SubType() SubType

	// AcknowledgeDurable persists an acknowledgment that a consumer has
	// resolved.
	AcknowledgeDurable(ctx context.Context, pos Position, ackType AckType) error

	// Redeliver schedules exactly positions for redelivery.
	Redeliver(ctx context.Context, consumer Consumer, positions []Position) error

	// RedeliverUnacknowledged schedules everything consumer still holds for
	// redelivery. Shared consumers pass the positions they drained from their
	// own pending acks; a nil slice asks the subscription to resolve the
	// positions from its own delivery bookkeeping.
	RedeliverUnacknowledged(ctx context.Context, consumer Consumer, positions []Position) error

	// ConsumerFlow tells the subscription that consumer can take up to n more
	// messages.
	ConsumerFlow(consumer Consumer, n int64)

	// Consumers lists the currently attached consumers.
	Consumers() []Consumer

	// RemoveConsumer detaches consumer. It is a no-op for unknown consumers.
	RemoveConsumer(ctx context.Context, consumer Consumer) error
}
