package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"subflow/internal/subflow"
	"subflow/internal/subflow/connection"
	"subflow/internal/subflow/metrics"
	"subflow/internal/subflow/producer"
)

// simulation publishes order events and consumes them through real
// connections over in-process pipes: a shared subscription with several
// consumers, a failover pair whose active consumer disconnects midway, and
// an exclusive subscription acknowledging cumulatively.
type simulation struct {
	cfg      Config
	broker   *broker
	producer subflow.Producer
	registry *metrics.Registry
	logger   *zap.Logger
	tracker  *tracker
	ids      atomic.Int64
}

type clientSpec struct {
	name            string
	sub             string
	subType         subflow.SubType
	disconnectAfter int
}

func newSimulation(cfg Config, b *broker, p subflow.Producer, registry *metrics.Registry, logger *zap.Logger) *simulation {
	return &simulation{
		cfg:      cfg,
		broker:   b,
		producer: p,
		registry: registry,
		logger:   logger.Named("simulation"),
		tracker:  newTracker(cfg.Simulation.Batches, "billing", "audit", "ledger"),
	}
}

func (s *simulation) run(ctx context.Context, g *errgroup.Group) error {
	sim := s.cfg.Simulation

	clients := []clientSpec{
		{name: "audit-a", sub: "audit", subType: subflow.Failover, disconnectAfter: sim.FailoverAfter},
		{name: "audit-b", sub: "audit", subType: subflow.Failover},
		{name: "ledger", sub: "ledger", subType: subflow.Exclusive},
	}
	for i := range sim.SharedConsumers {
		clients = append(clients, clientSpec{name: fmt.Sprintf("billing-%d", i), sub: "billing", subType: subflow.Shared})
	}

	for _, spec := range clients {
		if err := s.connect(ctx, g, spec); err != nil {
			return err
		}
	}

	started := time.Now()
	g.Go(func() error {
		return s.publish(ctx)
	})

	timer := time.NewTimer(sim.Timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("simulation timed out after %s: acked %v", sim.Timeout, s.tracker.counts())
	case <-s.tracker.done:
	}

	s.logger.Info("simulation complete",
		zap.Duration("elapsed", time.Since(started)),
		zap.Any("acked", s.tracker.counts()),
		zap.Any("subscriptions", s.broker.stats()),
	)

	return nil
}

func (s *simulation) publish(ctx context.Context) error {
	sim := s.cfg.Simulation

	for i := range sim.Batches {
		if _, err := s.producer.PublishBatch(ctx, sim.Topic, events(i, sim.EventsPerBatch)...); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to publish events: %w", err)
		}
	}

	s.logger.Info("publishing complete", zap.Int("batches", sim.Batches), zap.Int("eventsPerBatch", sim.EventsPerBatch))
	return nil
}

// connect wires one client: the server side gets a Conn and a Handler on
// one end of a pipe, the client loop runs on the other.
func (s *simulation) connect(ctx context.Context, g *errgroup.Group, spec clientSpec) error {
	serverEnd, clientEnd := net.Pipe()
	logger := s.logger.With(zap.String("client", spec.name))

	conn, err := connection.NewConn(s.cfg.Connection, serverEnd, "pipe:"+spec.name, s.registry, logger)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	handler, err := connection.NewHandler(conn, s.registry, logger)
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	id := s.ids.Add(1)
	if _, err := s.broker.subscribe(conn, handler, id, spec.name, s.cfg.Simulation.Topic, spec.sub, spec.subType); err != nil {
		return err
	}

	g.Go(func() error {
		// a client going away is routine; only the client loop reports errors
		if err := conn.Run(ctx); err != nil {
			logger.Debug("connection writer stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		defer conn.Close()
		defer func() {
			if err := handler.Close(context.WithoutCancel(ctx)); err != nil {
				logger.Error("failed to close consumers", zap.Error(err))
			}
		}()
		if err := handler.Serve(ctx, serverEnd); err != nil {
			logger.Debug("handler stopped", zap.Error(err))
		}
		return nil
	})

	c := client{
		spec:      spec,
		id:        id,
		conn:      clientEnd,
		queue:     s.cfg.Simulation.ReceiverQueue,
		nackRatio: s.cfg.Simulation.NackRatio,
		tracker:   s.tracker,
		logger:    logger,
	}
	g.Go(func() error {
		return c.run(ctx)
	})

	return nil
}

// client behaves like a consumer application: it grants a receiver queue of
// permits, tops it up once half has been used, acknowledges what it
// receives and occasionally asks for a message again.
type client struct {
	spec      clientSpec
	id        int64
	conn      net.Conn
	queue     int
	nackRatio float64
	tracker   *tracker
	logger    *zap.Logger
}

func (c *client) run(ctx context.Context) error {
	defer c.conn.Close()
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	dec := json.NewDecoder(c.conn)
	enc := json.NewEncoder(c.conn)
	send := func(cmd subflow.Command) error {
		cmd.ConsumerID = c.id
		if err := enc.Encode(cmd); err != nil {
			return fmt.Errorf("failed to send %s: %w", cmd.Type, err)
		}
		return nil
	}

	if err := send(subflow.Command{Type: subflow.CommandFlow, Permits: c.queue}); err != nil {
		return c.stopped(err)
	}

	var used, total int
	for {
		var cmd subflow.Command
		if err := dec.Decode(&cmd); err != nil {
			return c.stopped(err)
		}

		switch cmd.Type {
		case subflow.CommandError:
			c.logger.Warn("broker rejected command", zap.String("error", cmd.Error))
			continue
		case subflow.CommandMessage:
		default:
			continue
		}

		pos := *cmd.Position
		n, err := subflow.BatchSize(cmd.Payload)
		if err != nil {
			n = 1
		}
		if _, err := producer.DecodeEvents(cmd.Payload); err != nil {
			c.logger.Warn("failed to decode events", zap.Stringer("position", pos), zap.Error(err))
		}

		if c.spec.subType == subflow.Shared && rand.Float64() < c.nackRatio {
			err = send(subflow.Command{Type: subflow.CommandRedeliver, Positions: []subflow.Position{pos}})
		} else {
			err = send(c.ack(pos))
			c.tracker.ack(c.spec.sub, pos)
			total++
		}
		if err != nil {
			return c.stopped(err)
		}

		used += n
		if used >= c.queue/2 {
			if err := send(subflow.Command{Type: subflow.CommandFlow, Permits: used}); err != nil {
				return c.stopped(err)
			}
			used = 0
		}

		if c.spec.disconnectAfter > 0 && total >= c.spec.disconnectAfter {
			c.logger.Info("disconnecting", zap.Int("acked", total))
			return nil
		}
	}
}

func (c *client) ack(pos subflow.Position) subflow.Command {
	ackType := subflow.AckIndividual
	if c.spec.subType == subflow.Exclusive {
		ackType = subflow.AckCumulative
	}
	return subflow.Command{Type: subflow.CommandAck, Position: &pos, AckType: ackType}
}

func (c *client) stopped(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// tracker counts the distinct positions acknowledged per subscription and
// closes done once every subscription has acknowledged want of them.
type tracker struct {
	mu    sync.Mutex
	want  int
	acked map[string]map[subflow.Position]struct{}
	done  chan struct{}
	once  sync.Once
}

func newTracker(want int, subs ...string) *tracker {
	t := tracker{
		want:  want,
		acked: make(map[string]map[subflow.Position]struct{}, len(subs)),
		done:  make(chan struct{}),
	}
	for _, sub := range subs {
		t.acked[sub] = make(map[subflow.Position]struct{})
	}
	return &t
}

func (t *tracker) ack(sub string, pos subflow.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.acked[sub][pos] = struct{}{}
	for _, positions := range t.acked {
		if len(positions) < t.want {
			return
		}
	}
	t.once.Do(func() { close(t.done) })
}

func (t *tracker) counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]int, len(t.acked))
	for sub, positions := range t.acked {
		out[sub] = len(positions)
	}
	return out
}

func events(batch, count int) []subflow.Event {
	customers := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	products := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "10"}
	out := make([]subflow.Event, 0, count)

	for i := range count {
		out = append(out, subflow.Event{
			Type: "order",
			Payload: map[string]any{
				"order_id":    fmt.Sprintf("ORD-%04d-%02d", batch+1, i+1),
				"customer_id": customers[rand.Intn(len(customers))],
				"product_id":  products[rand.Intn(len(products))],
				"amount":      10.0 + rand.Float64()*990.0,
				"timestamp":   time.Now().Format(time.RFC3339),
			},
		})
	}

	return out
}
