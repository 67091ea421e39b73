package consumer

import (
	"context"

	"subflow/internal/subflow"
	"subflow/internal/subflow/metrics"
)

// MetricsConsumer wraps a subflow.Consumer and publishes its flow-control
// state after every operation that can change it.
type MetricsConsumer struct {
	subflow.Consumer
	topic    string
	sub      string
	registry *metrics.Registry
}

func NewMetricsConsumer(consumer subflow.Consumer, topic, sub string, registry *metrics.Registry) subflow.Consumer {
	c := &MetricsConsumer{
		Consumer: consumer,
		topic:    topic,
		sub:      sub,
		registry: registry,
	}
	c.publish(false)
	return c
}

func (c *MetricsConsumer) Dispatch(ctx context.Context, entries []subflow.Entry) (<-chan error, int) {
	wasBlocked := c.Consumer.IsBlocked()
	before := c.Consumer.Stats()

	done, sent := c.Consumer.Dispatch(ctx, entries)

	after := c.Consumer.Stats()
	for i := before.CorruptedEntries; i < after.CorruptedEntries; i++ {
		c.registry.RecordCorruptEntry(c.topic, c.sub)
	}
	c.registry.RecordDispatch(c.topic, c.sub, sent, int(after.BytesOutCounter-before.BytesOutCounter))
	c.publish(!wasBlocked)

	return done, sent
}

func (c *MetricsConsumer) GrantCredit(ctx context.Context, n int) error {
	deferred := c.Consumer.IsBlocked()

	err := c.Consumer.GrantCredit(ctx, n)

	c.registry.RecordFlowPermits(c.topic, c.sub, n, deferred, err)
	c.publish(false)

	return err
}

func (c *MetricsConsumer) Acknowledge(ctx context.Context, pos subflow.Position, ackType subflow.AckType) error {
	err := c.Consumer.Acknowledge(ctx, pos, ackType)

	c.registry.RecordConsumerAck(c.topic, c.sub, ackType.String(), err)
	c.publish(false)

	return err
}

func (c *MetricsConsumer) TryResolveAndRemove(ctx context.Context, pos subflow.Position) (int, bool) {
	n, ok := c.Consumer.TryResolveAndRemove(ctx, pos)
	if ok {
		c.publish(false)
	}
	return n, ok
}

func (c *MetricsConsumer) RedeliverAll(ctx context.Context) error {
	unacked := c.Consumer.UnackedMessages()

	err := c.Consumer.RedeliverAll(ctx)

	c.registry.RecordRedelivery(c.topic, c.sub, "all", unacked, err)
	c.publish(false)

	return err
}

func (c *MetricsConsumer) RedeliverSelected(ctx context.Context, positions []subflow.Position) error {
	before := c.Consumer.UnackedMessages()

	err := c.Consumer.RedeliverSelected(ctx, positions)

	c.registry.RecordRedelivery(c.topic, c.sub, "selected", before-c.Consumer.UnackedMessages(), err)
	c.publish(false)

	return err
}

func (c *MetricsConsumer) Close(ctx context.Context) error {
	err := c.Consumer.Close(ctx)
	c.registry.RemoveConsumer(c.topic, c.sub, c.Consumer.ID())
	return err
}

// publish refreshes the consumer gauges. countBlock counts a transition to
// Blocked if the consumer is now blocked.
func (c *MetricsConsumer) publish(countBlock bool) {
	blocked := c.Consumer.IsBlocked()
	c.registry.UpdateConsumerState(
		c.topic,
		c.sub,
		c.Consumer.ID(),
		c.Consumer.AvailablePermits(),
		c.Consumer.UnackedMessages(),
		blocked,
		countBlock && blocked,
	)
}
