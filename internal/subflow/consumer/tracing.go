package consumer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"subflow/internal/subflow"
	"subflow/internal/subflow/tracing"
)

// TracedConsumer wraps a subflow.Consumer with distributed tracing.
// Layer order: TracedConsumer -> MetricsConsumer -> Consumer (real thing)
type TracedConsumer struct {
	subflow.Consumer
	attrs  []attribute.KeyValue
	tracer *tracing.Tracer
}

func NewTracedConsumer(consumer subflow.Consumer, topic, sub string, tracer *tracing.Tracer) subflow.Consumer {
	return &TracedConsumer{
		Consumer: consumer,
		attrs:    tracer.ConsumerAttributes(topic, sub, consumer.ID(), consumer.SubType()),
		tracer:   tracer,
	}
}

func (c *TracedConsumer) Dispatch(ctx context.Context, entries []subflow.Entry) (<-chan error, int) {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.dispatch")
	span.SetAttributes(c.attrs...)
	span.SetAttributes(attribute.Int("subflow.entries", len(entries)))

	done, sent := c.Consumer.Dispatch(ctx, entries)

	span.SetAttributes(
		attribute.Int("subflow.messages_sent", sent),
		attribute.Int64("subflow.available_permits", c.Consumer.AvailablePermits()),
		attribute.Bool("subflow.blocked", c.Consumer.IsBlocked()),
	)
	c.tracer.End(span, nil)

	return done, sent
}

func (c *TracedConsumer) GrantCredit(ctx context.Context, n int) error {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.flow")
	span.SetAttributes(c.attrs...)
	span.SetAttributes(attribute.Int("subflow.permits", n))

	err := c.Consumer.GrantCredit(ctx, n)

	span.SetAttributes(attribute.Int64("subflow.permits_while_blocked", c.Consumer.PermitsReceivedWhileBlocked()))
	c.tracer.End(span, err)
	return err
}

func (c *TracedConsumer) Acknowledge(ctx context.Context, pos subflow.Position, ackType subflow.AckType) error {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.ack")
	span.SetAttributes(c.attrs...)
	span.SetAttributes(
		c.tracer.PositionAttribute("subflow.position", pos),
		attribute.String("subflow.ack_type", ackType.String()),
	)

	err := c.Consumer.Acknowledge(ctx, pos, ackType)

	span.SetAttributes(attribute.Int64("subflow.unacked", c.Consumer.UnackedMessages()))
	c.tracer.End(span, err)
	return err
}

func (c *TracedConsumer) TryResolveAndRemove(ctx context.Context, pos subflow.Position) (int, bool) {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.resolve_ack")
	span.SetAttributes(c.attrs...)
	span.SetAttributes(c.tracer.PositionAttribute("subflow.position", pos))

	n, ok := c.Consumer.TryResolveAndRemove(ctx, pos)

	span.SetAttributes(
		attribute.Bool("subflow.owner", ok),
		attribute.Int("subflow.batch_size", n),
	)
	c.tracer.End(span, nil)
	return n, ok
}

func (c *TracedConsumer) RedeliverAll(ctx context.Context) error {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.redeliver_all")
	span.SetAttributes(c.attrs...)
	span.SetAttributes(attribute.Int64("subflow.unacked", c.Consumer.UnackedMessages()))

	err := c.Consumer.RedeliverAll(ctx)

	c.tracer.End(span, err)
	return err
}

func (c *TracedConsumer) RedeliverSelected(ctx context.Context, positions []subflow.Position) error {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.redeliver_selected")
	span.SetAttributes(c.attrs...)
	span.SetAttributes(attribute.Int("subflow.positions", len(positions)))

	err := c.Consumer.RedeliverSelected(ctx, positions)

	span.SetAttributes(attribute.Int64("subflow.unacked", c.Consumer.UnackedMessages()))
	c.tracer.End(span, err)
	return err
}

func (c *TracedConsumer) Close(ctx context.Context) error {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.close")
	span.SetAttributes(c.attrs...)

	err := c.Consumer.Close(ctx)

	c.tracer.End(span, err)
	return err
}
