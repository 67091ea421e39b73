package subflow

import "context"

type Producer interface {
	// PublishBatch stores events as one batch entry on topic and returns its
	// position.
	PublishBatch(ctx context.Context, topic string, events ...Event) (Position, error)
}
