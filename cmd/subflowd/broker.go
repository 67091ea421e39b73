package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/gocb/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"subflow/internal/couchbase"
	"subflow/internal/subflow"
	"subflow/internal/subflow/connection"
	"subflow/internal/subflow/consumer"
	"subflow/internal/subflow/controller"
	"subflow/internal/subflow/metrics"
	"subflow/internal/subflow/subscription"
	"subflow/internal/subflow/tracing"
)

// broker owns the subscriptions of this process and attaches consumers to
// them on behalf of connections.
type broker struct {
	cfg        Config
	controller subflow.Controller
	registry   *metrics.Registry
	tracer     *tracing.Tracer
	logger     *zap.Logger

	group *errgroup.Group
	ctx   context.Context

	mu            sync.Mutex
	subscriptions map[string]*subscription.Subscription
}

func newBroker(
	ctx context.Context,
	g *errgroup.Group,
	cfg Config,
	ctlr subflow.Controller,
	registry *metrics.Registry,
	tracer *tracing.Tracer,
	logger *zap.Logger,
) *broker {
	return &broker{
		cfg:           cfg,
		controller:    ctlr,
		registry:      registry,
		tracer:        tracer,
		logger:        logger.Named("broker"),
		group:         g,
		ctx:           ctx,
		subscriptions: make(map[string]*subscription.Subscription),
	}
}

// subscription returns the running subscription for topic and name,
// starting it on first use.
func (b *broker) subscription(topic, name string, subType subflow.SubType) (*subscription.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := topic + "/" + name
	if s, ok := b.subscriptions[key]; ok {
		if s.SubType() != subType {
			return nil, fmt.Errorf("failed to subscribe: %s is a %s subscription", key, s.SubType())
		}
		return s, nil
	}

	s, err := subscription.NewSubscription(b.cfg.Subscription, topic, name, subType, b.controller, b.registry, b.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription %s: %w", key, err)
	}
	b.subscriptions[key] = s
	b.group.Go(func() error {
		return s.Run(b.ctx)
	})

	return s, nil
}

// subscribe attaches a new consumer for conn and registers it with the
// connection's handler.
func (b *broker) subscribe(
	conn subflow.Connection,
	handler *connection.Handler,
	id int64,
	name, topic, sub string,
	subType subflow.SubType,
) (subflow.Consumer, error) {
	s, err := b.subscription(topic, sub, subType)
	if err != nil {
		return nil, err
	}

	base, err := consumer.NewConsumer(b.cfg.Consumer, s, conn, id, name, b.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	c := consumer.NewTracedConsumer(consumer.NewMetricsConsumer(base, topic, sub, b.registry), topic, sub, b.tracer)

	if err := s.AddConsumer(c); err != nil {
		_ = base.Close(context.WithoutCancel(b.ctx))
		return nil, fmt.Errorf("failed to attach consumer to %s: %w", sub, err)
	}
	handler.Register(c)

	return c, nil
}

func (b *broker) stats() []subscription.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]subscription.Stats, 0, len(b.subscriptions))
	for _, s := range b.subscriptions {
		out = append(out, s.Stats())
	}
	return out
}

func newController(cfg Config, registry *metrics.Registry, tracer *tracing.Tracer, logger *zap.Logger) (subflow.Controller, error) {
	var base subflow.Controller

	switch cfg.Store {
	case storeCouchbase:
		cluster, bucket, err := newCouchbase(cfg.Couchbase)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Couchbase: %w", err)
		}

		scope := cfg.Couchbase.ScopeName
		cursors, err := subflow.NewCursorsStore(cluster, bucket, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to create cursors store: %w", err)
		}
		acks, err := subflow.NewAcksStore(cluster, bucket, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to create acks store: %w", err)
		}
		entries, err := subflow.NewEntriesStore(cluster, bucket, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to create entries store: %w", err)
		}
		offsets, err := subflow.NewOffsetsStore(cluster, bucket, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to create offsets store: %w", err)
		}
		transactions, err := couchbase.NewTransactions(cluster, cfg.Couchbase.TxnTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create transactions: %w", err)
		}

		base, err = controller.NewController(cfg.Controller, cursors, acks, entries, offsets, transactions)
		if err != nil {
			return nil, fmt.Errorf("failed to create controller: %w", err)
		}
		logger.Info("using couchbase store", zap.String("bucket", cfg.Couchbase.BucketName), zap.String("scope", scope))

	default:
		base = controller.NewMemory()
		logger.Info("using in-memory store")
	}

	return controller.NewTracedController(controller.NewMetricsController(base, registry), tracer), nil
}

func newCouchbase(config CouchbaseConfig) (*gocb.Cluster, *gocb.Bucket, error) {
	cluster, err := gocb.Connect(config.ConnectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: config.Username,
			Password: config.Password,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout: 10 * time.Second,
			KVTimeout:      5 * time.Second,
			QueryTimeout:   30 * time.Second,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	bucket := cluster.Bucket(config.BucketName)
	if err := bucket.WaitUntilReady(5*time.Second, nil); err != nil {
		return nil, nil, fmt.Errorf("bucket not ready: %w", err)
	}

	return cluster, bucket, nil
}
