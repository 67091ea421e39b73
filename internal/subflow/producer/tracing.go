package producer

import (
	"context"

	"go.opentelemetry.io/otel/codes"

	"subflow/internal/subflow"
	"subflow/internal/subflow/tracing"
)

// TracedProducer wraps a subflow.Producer with distributed tracing
// Layer order: TracedProducer -> MetricsProducer -> Producer (real thing)
type TracedProducer struct {
	producer subflow.Producer
	tracer   *tracing.Tracer
}

func NewTracedProducer(producer subflow.Producer, tracer *tracing.Tracer) subflow.Producer {
	return &TracedProducer{
		producer: producer,
		tracer:   tracer,
	}
}

func (p *TracedProducer) PublishBatch(ctx context.Context, topic string, events ...subflow.Event) (subflow.Position, error) {
	ctx, span := p.tracer.StartSpan(ctx, "producer.publish_batch")
	defer span.End()

	span.SetAttributes(p.tracer.ProducerAttributes(topic, len(events))...)

	pos, err := p.producer.PublishBatch(ctx, topic, events...)

	if err != nil {
		p.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(p.tracer.PositionAttribute("subflow.position", pos))
	}

	span.SetAttributes(p.tracer.ErrorAttributes(err)...)
	return pos, err
}
