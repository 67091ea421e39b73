package controller

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"subflow/internal/subflow"
	"subflow/internal/subflow/tracing"
)

// TracedController wraps a subflow.Controller with distributed tracing
// Layer order: TracedController -> MetricsController -> Controller (real thing)
type TracedController struct {
	controller subflow.Controller
	tracer     *tracing.Tracer
}

func NewTracedController(controller subflow.Controller, tracer *tracing.Tracer) subflow.Controller {
	return &TracedController{
		controller: controller,
		tracer:     tracer,
	}
}

func (c *TracedController) start(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := c.tracer.StartSpan(ctx, "controller."+operation)
	span.SetAttributes(c.tracer.DatabaseAttributes(operation)...)
	span.SetAttributes(attrs...)
	return ctx, span
}

func (c *TracedController) finish(ctx context.Context, span trace.Span, err error) {
	if err != nil {
		c.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(c.tracer.ErrorAttributes(err)...)
}

func (c *TracedController) GetCursor(ctx context.Context, topic, sub string) (subflow.Position, error) {
	ctx, span := c.start(ctx, "get_cursor",
		attribute.String("subflow.topic", topic),
		attribute.String("subflow.subscription", sub),
	)
	defer span.End()

	pos, err := c.controller.GetCursor(ctx, topic, sub)
	if err == nil {
		span.SetAttributes(c.tracer.PositionAttribute("subflow.cursor", pos))
	}

	c.finish(ctx, span, err)
	return pos, err
}

func (c *TracedController) CommitCursor(ctx context.Context, topic, sub string, pos subflow.Position) error {
	ctx, span := c.start(ctx, "commit_cursor",
		attribute.String("subflow.topic", topic),
		attribute.String("subflow.subscription", sub),
		c.tracer.PositionAttribute("subflow.cursor", pos),
	)
	defer span.End()

	err := c.controller.CommitCursor(ctx, topic, sub, pos)

	c.finish(ctx, span, err)
	return err
}

func (c *TracedController) GetOffset(ctx context.Context, topic string, ledgerID int64) (int64, error) {
	ctx, span := c.start(ctx, "get_offset",
		attribute.String("subflow.topic", topic),
		attribute.Int64("subflow.ledger_id", ledgerID),
	)
	defer span.End()

	n, err := c.controller.GetOffset(ctx, topic, ledgerID)
	if err == nil {
		span.SetAttributes(attribute.Int64("subflow.write_offset", n))
	}

	c.finish(ctx, span, err)
	return n, err
}

func (c *TracedController) CommitOffset(ctx context.Context, topic string, ledgerID, next int64) error {
	ctx, span := c.start(ctx, "commit_offset",
		attribute.String("subflow.topic", topic),
		attribute.Int64("subflow.ledger_id", ledgerID),
		attribute.Int64("subflow.write_offset", next),
	)
	defer span.End()

	err := c.controller.CommitOffset(ctx, topic, ledgerID, next)

	c.finish(ctx, span, err)
	return err
}

func (c *TracedController) InsertAck(ctx context.Context, topic, sub string, pos subflow.Position) error {
	ctx, span := c.start(ctx, "insert_ack",
		attribute.String("subflow.topic", topic),
		attribute.String("subflow.subscription", sub),
		c.tracer.PositionAttribute("subflow.position", pos),
	)
	defer span.End()

	err := c.controller.InsertAck(ctx, topic, sub, pos)

	c.finish(ctx, span, err)
	return err
}

func (c *TracedController) IsAcked(ctx context.Context, topic, sub string, pos subflow.Position) (bool, error) {
	ctx, span := c.start(ctx, "is_acked",
		attribute.String("subflow.topic", topic),
		attribute.String("subflow.subscription", sub),
		c.tracer.PositionAttribute("subflow.position", pos),
	)
	defer span.End()

	ok, err := c.controller.IsAcked(ctx, topic, sub, pos)
	span.SetAttributes(attribute.Bool("subflow.acked", ok))

	c.finish(ctx, span, err)
	return ok, err
}

func (c *TracedController) InsertEntry(ctx context.Context, topic string, e subflow.Entry) error {
	ctx, span := c.start(ctx, "insert_entry",
		attribute.String("subflow.topic", topic),
		c.tracer.PositionAttribute("subflow.position", e.Position),
		attribute.Int("subflow.payload_size", len(e.Payload)),
	)
	defer span.End()

	err := c.controller.InsertEntry(ctx, topic, e)

	c.finish(ctx, span, err)
	return err
}

func (c *TracedController) LoadEntry(ctx context.Context, topic string, pos subflow.Position) (subflow.Entry, error) {
	ctx, span := c.start(ctx, "load_entry",
		attribute.String("subflow.topic", topic),
		c.tracer.PositionAttribute("subflow.position", pos),
	)
	defer span.End()

	e, err := c.controller.LoadEntry(ctx, topic, pos)

	c.finish(ctx, span, err)
	return e, err
}

func (c *TracedController) LoadEntries(ctx context.Context, topic string, from subflow.Position, limit int) ([]subflow.Entry, error) {
	ctx, span := c.start(ctx, "load_entries",
		attribute.String("subflow.topic", topic),
		c.tracer.PositionAttribute("subflow.from", from),
		attribute.Int("subflow.limit", limit),
	)
	defer span.End()

	entries, err := c.controller.LoadEntries(ctx, topic, from, limit)
	if err == nil {
		span.SetAttributes(attribute.Int("subflow.entries_loaded", len(entries)))
	}

	c.finish(ctx, span, err)
	return entries, err
}
