package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"subflow/internal/subflow"
)

// Config controls the OTLP exporter. Tracing is skipped entirely when
// Enabled is false.
type Config struct {
	Enabled        bool          `env:"TRACING_ENABLED" envDefault:"false" yaml:"enabled"`
	ServiceName    string        `env:"TRACING_SERVICE_NAME" envDefault:"subflowd" yaml:"serviceName"`
	ServiceVersion string        `env:"TRACING_SERVICE_VERSION" envDefault:"1.0.0" yaml:"serviceVersion"`
	Endpoint       string        `env:"OTLP_ENDPOINT" envDefault:"localhost:4318" yaml:"endpoint"`
	SampleRate     float64       `env:"TRACING_SAMPLE_RATE" envDefault:"1.0" yaml:"sampleRate"`
	BatchTimeout   time.Duration `env:"TRACING_BATCH_TIMEOUT" envDefault:"1s" yaml:"batchTimeout"`
	ExportTimeout  time.Duration `env:"TRACING_EXPORT_TIMEOUT" envDefault:"30s" yaml:"exportTimeout"`
	MaxExportBatch int           `env:"TRACING_MAX_EXPORT_BATCH" envDefault:"512" yaml:"maxExportBatch"`
	MaxQueueSize   int           `env:"TRACING_MAX_QUEUE_SIZE" envDefault:"2048" yaml:"maxQueueSize"`
}

// Tracer wraps an OpenTelemetry tracer with helpers for broker spans.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer installs an OTLP/HTTP tracer provider and returns the tracer
// together with a shutdown function that flushes pending spans.
func NewTracer(config Config) (*Tracer, func(context.Context) error, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(config.Endpoint),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(config.ExportTimeout),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	processor := sdktrace.NewBatchSpanProcessor(
		exporter,
		sdktrace.WithBatchTimeout(config.BatchTimeout),
		sdktrace.WithExportTimeout(config.ExportTimeout),
		sdktrace.WithMaxExportBatchSize(config.MaxExportBatch),
		sdktrace.WithMaxQueueSize(config.MaxQueueSize),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdown := func(ctx context.Context) error {
		if err := tp.ForceFlush(ctx); err != nil {
			return fmt.Errorf("failed to flush traces: %w", err)
		}
		return tp.Shutdown(ctx)
	}

	return &Tracer{tracer: tp.Tracer(config.ServiceName)}, shutdown, nil
}

// NewNoop returns a Tracer whose spans are discarded.
func NewNoop() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("subflow")}
}

// NewWithProvider builds a Tracer on an existing provider.
func NewWithProvider(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

func (t *Tracer) StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// RecordError marks the span in ctx as failed.
func (t *Tracer) RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// End records err on span, or marks it Ok, and ends it.
func (t *Tracer) End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(t.ErrorAttributes(err)...)
	span.End()
}

func (t *Tracer) TopicAttributes(topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("subflow.topic", topic),
	}
}

func (t *Tracer) ProducerAttributes(topic string, batchSize int) []attribute.KeyValue {
	return append(t.TopicAttributes(topic), attribute.Int("subflow.batch_size", batchSize))
}

func (t *Tracer) ConsumerAttributes(topic, subscription string, consumerID int64, subType subflow.SubType) []attribute.KeyValue {
	return append(t.TopicAttributes(topic),
		attribute.String("subflow.subscription", subscription),
		attribute.Int64("subflow.consumer_id", consumerID),
		attribute.String("subflow.sub_type", subType.String()),
	)
}

func (t *Tracer) PositionAttribute(key string, pos subflow.Position) attribute.KeyValue {
	return attribute.String(key, pos.String())
}

func (t *Tracer) DatabaseAttributes(operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("db.operation", operation),
		attribute.String("db.system", "couchbase"),
	}
}

func (t *Tracer) ErrorAttributes(err error) []attribute.KeyValue {
	if err == nil {
		return []attribute.KeyValue{
			attribute.Bool("error", false),
		}
	}
	return []attribute.KeyValue{
		attribute.Bool("error", true),
		attribute.String("error.type", fmt.Sprintf("%T", err)),
		attribute.String("error.message", err.Error()),
	}
}
