package subscription

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"subflow/internal/subflow"
	"subflow/internal/subflow/metrics"
	"subflow/internal/validator"
)

type Config struct {
	// ReadBatchSize caps the entries read for one consumer per pass.
	ReadBatchSize int `env:"READ_BATCH_SIZE" envDefault:"100" yaml:"readBatchSize"`
	// DispatchTick wakes the dispatch loop even without a flow or ack.
	DispatchTick time.Duration `env:"DISPATCH_TICK" envDefault:"100ms" yaml:"dispatchTick"`
	// ReadConcurrency bounds parallel storage lookups during one read.
	ReadConcurrency int `env:"READ_CONCURRENCY" envDefault:"8" yaml:"readConcurrency"`
}

type posSet map[subflow.Position]struct{}

// Subscription selects which consumer receives which entries of a topic and
// keeps the acknowledgment state of the subscription durable.
//
// A single goroutine (Run) owns reading: every other method only updates
// bookkeeping under mu and wakes it.
type Subscription struct {
	topic      string
	name       string
	subType    subflow.SubType
	controller subflow.Controller
	registry   *metrics.Registry
	logger     *zap.Logger
	config     Config

	mu        sync.Mutex
	consumers []subflow.Consumer
	next      int // round robin cursor over consumers
	started   bool
	readPos   subflow.Position
	redeliver posSet
	// delivered tracks what each exclusive or failover consumer holds, so
	// that redelivering "everything" needs no help from the consumer.
	delivered map[int64]posSet
	// markDelete and acked let individual acks advance the durable cursor
	// once they become contiguous.
	markDelete subflow.Position
	acked      posSet

	wake chan struct{}
}

func NewSubscription(
	config Config,
	topic, name string,
	subType subflow.SubType,
	controller subflow.Controller,
	registry *metrics.Registry,
	logger *zap.Logger,
) (*Subscription, error) {
	s := Subscription{
		topic:      topic,
		name:       name,
		subType:    subType,
		controller: controller,
		registry:   registry,
		config:     config,
		redeliver:  make(posSet),
		delivered:  make(map[int64]posSet),
		acked:      make(posSet),
		markDelete: subflow.NoCursor,
		wake:       make(chan struct{}, 1),
	}

	if err := validator.Validate(
		"subscription",
		s.topic,
		s.name,
		s.controller,
		s.registry,
		logger,
		s.config.ReadBatchSize,
		s.config.DispatchTick,
	); err != nil {
		return nil, fmt.Errorf("failed to validate subscription deps: %w", err)
	}
	if s.config.ReadConcurrency <= 0 {
		s.config.ReadConcurrency = 1
	}

	s.logger = logger.Named("subscription").With(
		zap.String("topic", topic),
		zap.String("subscription", name),
		zap.Stringer("subType", subType),
	)

	return &s, nil
}

func (s *Subscription) Topic() string            { return s.topic }
func (s *Subscription) Name() string             { return s.name }
func (s *Subscription) SubType() subflow.SubType { return s.subType }

// AddConsumer attaches c. An exclusive subscription takes one consumer.
func (s *Subscription) AddConsumer(c subflow.Consumer) error {
	if c.SubType() != s.subType {
		return fmt.Errorf("failed to add consumer %d: %s consumer on %s subscription", c.ID(), c.SubType(), s.subType)
	}

	s.mu.Lock()
	if s.subType == subflow.Exclusive && len(s.consumers) > 0 {
		s.mu.Unlock()
		return subflow.ErrConsumerBusy
	}
	if s.indexOf(c.ID()) >= 0 {
		s.mu.Unlock()
		return fmt.Errorf("failed to add consumer %d: already attached", c.ID())
	}
	s.consumers = append(s.consumers, c)
	n := len(s.consumers)
	s.mu.Unlock()

	s.registry.UpdateSubscriptionConsumers(s.topic, s.name, n)
	s.logger.Info("consumer attached", zap.Int64("consumerId", c.ID()), zap.String("consumerName", c.Name()))
	s.signal()

	return nil
}

// RemoveConsumer detaches the consumer with c's id. What an exclusive or
// failover consumer still held becomes eligible for redelivery.
func (s *Subscription) RemoveConsumer(_ context.Context, c subflow.Consumer) error {
	s.mu.Lock()
	i := s.indexOf(c.ID())
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	s.consumers = slices.Delete(s.consumers, i, i+1)
	if s.next > i {
		s.next--
	}
	held := s.delivered[c.ID()]
	delete(s.delivered, c.ID())
	for pos := range held {
		s.redeliver[pos] = struct{}{}
	}
	n := len(s.consumers)
	s.mu.Unlock()

	s.registry.UpdateSubscriptionConsumers(s.topic, s.name, n)
	s.logger.Info("consumer detached", zap.Int64("consumerId", c.ID()), zap.Int("redeliver", len(held)))
	s.signal()

	return nil
}

func (s *Subscription) Consumers() []subflow.Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.consumers)
}

// ConsumerFlow only wakes the dispatch loop. Permits are read from the
// consumer itself when the loop runs.
func (s *Subscription) ConsumerFlow(_ subflow.Consumer, _ int64) {
	s.signal()
}

func (s *Subscription) AcknowledgeDurable(ctx context.Context, pos subflow.Position, ackType subflow.AckType) error {
	switch ackType {
	case subflow.AckCumulative:
		return s.acknowledgeCumulative(ctx, pos)
	default:
		return s.acknowledgeIndividual(ctx, pos)
	}
}

func (s *Subscription) acknowledgeIndividual(ctx context.Context, pos subflow.Position) error {
	if err := s.controller.InsertAck(ctx, s.topic, s.name, pos); err != nil {
		return fmt.Errorf("failed to persist ack: %w", err)
	}

	s.mu.Lock()
	delete(s.redeliver, pos)
	for _, held := range s.delivered {
		delete(held, pos)
	}

	if s.markDelete.Less(pos) {
		s.acked[pos] = struct{}{}
	}
	advanced := false
	for {
		next := s.markDelete.Next()
		if _, ok := s.acked[next]; !ok {
			break
		}
		delete(s.acked, next)
		s.markDelete = next
		advanced = true
	}
	markDelete := s.markDelete
	s.mu.Unlock()

	if advanced {
		if err := s.controller.CommitCursor(ctx, s.topic, s.name, markDelete); err != nil {
			return fmt.Errorf("failed to advance cursor: %w", err)
		}
	}

	return nil
}

func (s *Subscription) acknowledgeCumulative(ctx context.Context, pos subflow.Position) error {
	if err := s.controller.CommitCursor(ctx, s.topic, s.name, pos); err != nil {
		return fmt.Errorf("failed to commit cursor: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.markDelete.Less(pos) {
		s.markDelete = pos
	}
	for p := range s.acked {
		if !pos.Less(p) {
			delete(s.acked, p)
		}
	}
	for p := range s.redeliver {
		if !pos.Less(p) {
			delete(s.redeliver, p)
		}
	}
	for _, held := range s.delivered {
		for p := range held {
			if !pos.Less(p) {
				delete(held, p)
			}
		}
	}

	return nil
}

func (s *Subscription) Redeliver(_ context.Context, c subflow.Consumer, positions []subflow.Position) error {
	s.mu.Lock()
	held := s.delivered[c.ID()]
	for _, pos := range positions {
		delete(held, pos)
		s.redeliver[pos] = struct{}{}
	}
	s.mu.Unlock()

	s.logger.Debug("redelivery requested", zap.Int64("consumerId", c.ID()), zap.Int("positions", len(positions)))
	s.signal()

	return nil
}

func (s *Subscription) RedeliverUnacknowledged(ctx context.Context, c subflow.Consumer, positions []subflow.Position) error {
	if positions == nil {
		s.mu.Lock()
		held := s.delivered[c.ID()]
		delete(s.delivered, c.ID())
		s.mu.Unlock()

		for pos := range held {
			positions = append(positions, pos)
		}
	}

	return s.Redeliver(ctx, c, positions)
}

// Run dispatches until ctx is done. It reads the durable cursor first so
// delivery resumes after the last cumulative acknowledgment.
func (s *Subscription) Run(ctx context.Context) error {
	cursor, err := s.controller.GetCursor(ctx, s.topic, s.name)
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("subscription is already running")
	}
	s.started = true
	s.markDelete = cursor
	s.readPos = cursor.Next()
	s.mu.Unlock()

	s.logger.Info("subscription started", zap.Stringer("readPosition", cursor.Next()))

	ticker := time.NewTicker(s.config.DispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("subscription stopped")
			return nil
		case <-s.wake:
		case <-ticker.C:
		}

		if err := s.dispatch(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("failed to dispatch", zap.Error(err))
		}
	}
}

// dispatch serves consumers until none can take more or nothing is left to
// read.
func (s *Subscription) dispatch(ctx context.Context) error {
	for ctx.Err() == nil {
		progressed := false

		for _, c := range s.eligible() {
			permits := c.AvailablePermits()
			entries, err := s.read(ctx, int(min(permits, int64(s.config.ReadBatchSize))))
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return nil
			}
			entries = s.fit(entries, permits)

			if !s.send(ctx, c, entries) {
				// the consumer is going away; retry once it has detached
				return nil
			}
			progressed = true
		}

		if !progressed {
			return nil
		}
	}

	return nil
}

// eligible returns the consumers that should receive entries in this pass,
// in the order they should be served.
func (s *Subscription) eligible() []subflow.Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()

	ready := func(c subflow.Consumer) bool {
		return c.AvailablePermits() > 0 && !c.IsBlocked() && c.IsWritable()
	}

	switch s.subType {
	case subflow.Shared:
		var out []subflow.Consumer
		for i := range s.consumers {
			c := s.consumers[(s.next+i)%len(s.consumers)]
			if ready(c) {
				out = append(out, c)
			}
		}
		if len(s.consumers) > 0 {
			s.next = (s.next + 1) % len(s.consumers)
		}
		return out

	default:
		active := s.active()
		if active == nil || !ready(active) {
			return nil
		}
		return []subflow.Consumer{active}
	}
}

// active is the consumer of an exclusive or failover subscription that
// receives everything: the only one, or the lowest by name. Callers hold mu.
func (s *Subscription) active() subflow.Consumer {
	var active subflow.Consumer
	for _, c := range s.consumers {
		if active == nil || c.Name() < active.Name() || (c.Name() == active.Name() && c.ID() < active.ID()) {
			active = c
		}
	}
	return active
}

// Active returns the consumer currently receiving entries on an exclusive
// or failover subscription.
func (s *Subscription) Active() subflow.Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subType == subflow.Shared {
		return nil
	}
	return s.active()
}

// read returns up to limit entries: pending redeliveries first, then the
// log from the read position. Entries acknowledged since they were queued
// are skipped.
func (s *Subscription) read(ctx context.Context, limit int) ([]subflow.Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	retry := make([]subflow.Position, 0, len(s.redeliver))
	for pos := range s.redeliver {
		retry = append(retry, pos)
	}
	subflow.SortPositions(retry)
	if len(retry) > limit {
		retry = retry[:limit]
	}
	for _, pos := range retry {
		delete(s.redeliver, pos)
	}
	from := s.readPos
	s.mu.Unlock()

	entries, err := s.loadRetries(ctx, retry)
	if err != nil {
		s.requeue(retry)
		return nil, err
	}

	if remaining := limit - len(retry); remaining > 0 {
		fresh, err := s.controller.LoadEntries(ctx, s.topic, from, remaining)
		if err != nil {
			s.requeue(retry)
			return nil, fmt.Errorf("failed to read entries: %w", err)
		}
		if len(fresh) > 0 {
			s.mu.Lock()
			if s.readPos.Less(fresh[len(fresh)-1].Position.Next()) {
				s.readPos = fresh[len(fresh)-1].Position.Next()
			}
			s.mu.Unlock()
		}
		entries = append(entries, fresh...)
	}

	return s.skipAcked(ctx, entries)
}

// fit keeps the leading entries whose messages fit in permits, letting the
// last kept batch cross the line, and queues the rest for the next pass.
// Permits count messages while entries may carry whole batches, so this
// bounds the overshoot to a single batch.
func (s *Subscription) fit(entries []subflow.Entry, permits int64) []subflow.Entry {
	var messages int64
	for i, e := range entries {
		if messages >= permits {
			surplus := make([]subflow.Position, 0, len(entries)-i)
			for _, e := range entries[i:] {
				surplus = append(surplus, e.Position)
			}
			s.requeue(surplus)
			return entries[:i]
		}
		// corrupt entries are dropped on dispatch and cost nothing
		if n, err := subflow.BatchSize(e.Payload); err == nil {
			messages += int64(n)
		}
	}
	return entries
}

func (s *Subscription) loadRetries(ctx context.Context, positions []subflow.Position) ([]subflow.Entry, error) {
	loaded := make([]subflow.Entry, len(positions))
	found := make([]bool, len(positions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.ReadConcurrency)
	for i, pos := range positions {
		g.Go(func() error {
			e, err := s.controller.LoadEntry(gctx, s.topic, pos)
			switch {
			case err == nil:
				loaded[i], found[i] = e, true
			case errors.Is(err, subflow.ErrEntryNotFound):
				s.logger.Warn("entry to redeliver no longer exists", zap.Stringer("position", pos))
			default:
				return fmt.Errorf("failed to load entry %s for redelivery: %w", pos, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]subflow.Entry, 0, len(positions))
	for i := range loaded {
		if found[i] {
			entries = append(entries, loaded[i])
		}
	}
	return entries, nil
}

func (s *Subscription) skipAcked(ctx context.Context, entries []subflow.Entry) ([]subflow.Entry, error) {
	acked := make([]bool, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.ReadConcurrency)
	for i, e := range entries {
		g.Go(func() error {
			ok, err := s.controller.IsAcked(gctx, s.topic, s.name, e.Position)
			if err != nil {
				return fmt.Errorf("failed to check ack state of %s: %w", e.Position, err)
			}
			acked[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		positions := make([]subflow.Position, 0, len(entries))
		for _, e := range entries {
			positions = append(positions, e.Position)
		}
		s.requeue(positions)
		return nil, err
	}

	out := entries[:0]
	for i, e := range entries {
		if !acked[i] {
			out = append(out, e)
		}
	}
	return out, nil
}

// send dispatches entries to c. It returns false when c was closed and the
// entries were queued for redelivery.
func (s *Subscription) send(ctx context.Context, c subflow.Consumer, entries []subflow.Entry) bool {
	if s.subType != subflow.Shared {
		s.mu.Lock()
		held, ok := s.delivered[c.ID()]
		if !ok {
			held = make(posSet)
			s.delivered[c.ID()] = held
		}
		for _, e := range entries {
			held[e.Position] = struct{}{}
		}
		s.mu.Unlock()
	}

	done, sent := c.Dispatch(ctx, entries)

	select {
	case err := <-done:
		if errors.Is(err, subflow.ErrConsumerClosed) {
			// the consumer closed under us; nothing was delivered
			positions := make([]subflow.Position, 0, len(entries))
			for _, e := range entries {
				positions = append(positions, e.Position)
			}
			s.mu.Lock()
			if held := s.delivered[c.ID()]; held != nil {
				for _, pos := range positions {
					delete(held, pos)
				}
				if s.indexOf(c.ID()) < 0 {
					// detached already; this send recreated the set
					delete(s.delivered, c.ID())
				}
			}
			s.mu.Unlock()
			s.requeue(positions)
			return false
		}
		if err != nil {
			s.logger.Warn("failed to write entries", zap.Int64("consumerId", c.ID()), zap.Error(err))
		}
	default:
		go func() {
			if err := <-done; err != nil {
				s.logger.Warn("failed to write entries", zap.Int64("consumerId", c.ID()), zap.Error(err))
			}
		}()
	}

	s.logger.Debug("dispatched",
		zap.Int64("consumerId", c.ID()),
		zap.Int("entries", len(entries)),
		zap.Int("messages", sent),
	)

	return true
}

func (s *Subscription) requeue(positions []subflow.Position) {
	if len(positions) == 0 {
		return
	}

	s.mu.Lock()
	for _, pos := range positions {
		s.redeliver[pos] = struct{}{}
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// indexOf finds a consumer by id. Callers hold mu.
func (s *Subscription) indexOf(id int64) int {
	return slices.IndexFunc(s.consumers, func(c subflow.Consumer) bool {
		return c.ID() == id
	})
}

// Stats is a point-in-time view of a subscription.
type Stats struct {
	Topic            string                  `json:"topic"`
	Name             string                  `json:"name"`
	SubType          string                  `json:"subType"`
	ReadPosition     string                  `json:"readPosition"`
	MarkDelete       string                  `json:"markDeletePosition"`
	PendingRedeliver int                     `json:"pendingRedelivery"`
	UnackedMessages  int64                   `json:"unackedMessages"`
	Consumers        []subflow.ConsumerStats `json:"consumers"`
}

func (s *Subscription) Stats() Stats {
	consumers := s.Consumers()

	s.mu.Lock()
	st := Stats{
		Topic:            s.topic,
		Name:             s.name,
		SubType:          s.subType.String(),
		ReadPosition:     s.readPos.String(),
		MarkDelete:       s.markDelete.String(),
		PendingRedeliver: len(s.redeliver),
	}
	s.mu.Unlock()

	for _, c := range consumers {
		cs := c.Stats()
		st.UnackedMessages += cs.UnackedMessages
		st.Consumers = append(st.Consumers, cs)
	}

	return st
}
