package producer

import (
	"context"
	"time"

	"subflow/internal/subflow"
	"subflow/internal/subflow/metrics"
)

// MetricsProducer wraps a subflow.Producer with metrics collection
type MetricsProducer struct {
	producer subflow.Producer
	registry *metrics.Registry
}

func NewMetricsProducer(producer subflow.Producer, registry *metrics.Registry) subflow.Producer {
	return &MetricsProducer{
		producer: producer,
		registry: registry,
	}
}

func (p *MetricsProducer) PublishBatch(ctx context.Context, topic string, events ...subflow.Event) (subflow.Position, error) {
	start := time.Now()

	pos, err := p.producer.PublishBatch(ctx, topic, events...)
	p.registry.RecordProducerPublish(topic, len(events), time.Since(start), err)

	return pos, err
}
