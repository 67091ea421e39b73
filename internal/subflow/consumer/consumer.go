package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"subflow/internal/subflow"
	"subflow/internal/subflow/stats"
	"subflow/internal/validator"
)

type Config struct {
	// MaxUnackedMessages blocks a shared consumer once it holds this many
	// unacknowledged messages. 0 disables blocking.
	MaxUnackedMessages int `env:"MAX_UNACKED_MESSAGES_PER_CONSUMER" envDefault:"50000" yaml:"maxUnackedMessages"`
}

// CorruptEntryPolicy handles an entry whose batch header cannot be read.
// Such an entry is never dispatched or counted, whatever the policy does.
type CorruptEntryPolicy func(ctx context.Context, sub subflow.Subscription, e subflow.Entry, err error)

// AcknowledgeCorrupt individually acknowledges corrupt entries so they are
// never retried.
func AcknowledgeCorrupt(logger *zap.Logger) CorruptEntryPolicy {
	return func(ctx context.Context, sub subflow.Subscription, e subflow.Entry, cause error) {
		logger.Warn("dropping corrupt entry",
			zap.Stringer("position", e.Position),
			zap.Int("size", len(e.Payload)),
			zap.Error(cause),
		)

		if err := sub.AcknowledgeDurable(ctx, e.Position, subflow.AckIndividual); err != nil {
			logger.Error("failed to acknowledge corrupt entry", zap.Stringer("position", e.Position), zap.Error(err))
		}
	}
}

// Consumer tracks the flow credit, unacked messages and pending acks of one
// client attached to a subscription.
type Consumer struct {
	id      int64
	name    string
	subType subflow.SubType

	sub  subflow.Subscription
	conn subflow.Connection

	flow    *flowState
	pending *pendingAcks
	stats   *stats.Stats

	onCorrupt      CorruptEntryPolicy
	logger         *zap.Logger
	connectedSince time.Time
	closed         atomic.Bool
}

// NewConsumer creates a consumer for sub on conn. An empty name is replaced
// with a random one.
func NewConsumer(
	config Config,
	sub subflow.Subscription,
	conn subflow.Connection,
	id int64,
	name string,
	logger *zap.Logger,
) (*Consumer, error) {
	if err := validator.Validate("consumer", sub, conn, logger); err != nil {
		return nil, fmt.Errorf("failed to validate consumer deps: %w", err)
	}

	if name == "" {
		name = uuid.NewString()
	}

	subType := sub.SubType()
	logger = logger.Named("consumer").With(
		zap.String("topic", sub.Topic()),
		zap.String("subscription", sub.Name()),
		zap.Int64("consumerId", id),
		zap.String("consumerName", name),
		zap.Stringer("subType", subType),
	)

	return &Consumer{
		id:             id,
		name:           name,
		subType:        subType,
		sub:            sub,
		conn:           conn,
		flow:           newFlowState(subType == subflow.Shared, int64(config.MaxUnackedMessages)),
		pending:        newPendingAcks(),
		stats:          stats.New(),
		onCorrupt:      AcknowledgeCorrupt(logger),
		logger:         logger,
		connectedSince: time.Now().UTC(),
	}, nil
}

// SetCorruptEntryPolicy replaces the default AcknowledgeCorrupt policy.
func (c *Consumer) SetCorruptEntryPolicy(p CorruptEntryPolicy) {
	if p != nil {
		c.onCorrupt = p
	}
}

func (c *Consumer) ID() int64                { return c.id }
func (c *Consumer) Name() string             { return c.name }
func (c *Consumer) SubType() subflow.SubType { return c.subType }

func (c *Consumer) Dispatch(ctx context.Context, entries []subflow.Entry) (<-chan error, int) {
	if c.closed.Load() {
		return completed(subflow.ErrConsumerClosed), 0
	}
	if len(entries) == 0 {
		return completed(nil), 0
	}

	var (
		sent      = make([]subflow.Entry, 0, len(entries))
		sizes     = make([]int, 0, len(entries))
		messages  int64
		bytesSent int
	)
	for _, e := range entries {
		n, err := subflow.BatchSize(e.Payload)
		if err != nil {
			c.stats.RecordCorrupt()
			c.onCorrupt(ctx, c.sub, e, err)
			continue
		}

		sent = append(sent, e)
		sizes = append(sizes, n)
		messages += int64(n)
		bytesSent += len(e.Payload)
	}

	if len(sent) == 0 {
		return completed(nil), 0
	}

	if c.subType == subflow.Shared {
		for i, e := range sent {
			c.pending.add(e.Position, sizes[i])
		}
	}

	t := c.flow.apply(flowEvent{kind: eventDispatched, n: messages})
	if c.closed.Load() {
		// Close drained the pending acks before these were added
		if err := c.RedeliverAll(ctx); err != nil {
			c.logger.Error("failed to hand back entries dispatched during close", zap.Error(err))
		}
		return completed(subflow.ErrConsumerClosed), 0
	}
	if t.blocked {
		c.logger.Info("consumer blocked on unacked messages", zap.Int64("unacked", t.unacked))
	}
	c.stats.RecordDispatch(int(messages), bytesSent)

	var done <-chan error
	for _, e := range sent {
		done = c.conn.Write(subflow.MessageCommand(c.id, e))
	}

	return done, int(messages)
}

func (c *Consumer) GrantCredit(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: got %d", subflow.ErrInvalidPermits, n)
	}
	if c.closed.Load() {
		return subflow.ErrConsumerClosed
	}

	t := c.flow.apply(flowEvent{kind: eventCredit, n: int64(n)})
	if t.deferred {
		c.logger.Debug("consumer blocked, holding flow permits", zap.Int("permits", n))
		return nil
	}

	c.sub.ConsumerFlow(c, t.flow)
	return nil
}

func (c *Consumer) Acknowledge(ctx context.Context, pos subflow.Position, ackType subflow.AckType) error {
	if c.subType != subflow.Shared {
		if err := c.sub.AcknowledgeDurable(ctx, pos, ackType); err != nil {
			return fmt.Errorf("failed to acknowledge %s: %w", pos, err)
		}
		c.stats.RecordAck(1)
		return nil
	}

	if ackType != subflow.AckIndividual {
		return subflow.ErrCumulativeAckOnShared
	}

	n, ok := c.TryResolveAndRemove(ctx, pos)
	if !ok {
		n, ok = c.resolveOnSibling(ctx, pos)
	}
	if !ok {
		c.logger.Debug("ignoring ack for position not pending on any consumer", zap.Stringer("position", pos))
		return nil
	}

	c.stats.RecordAck(n)
	if err := c.sub.AcknowledgeDurable(ctx, pos, subflow.AckIndividual); err != nil {
		return fmt.Errorf("failed to acknowledge %s: %w", pos, err)
	}

	return nil
}

func (c *Consumer) resolveOnSibling(ctx context.Context, pos subflow.Position) (int, bool) {
	for _, sibling := range c.sub.Consumers() {
		if sibling.ID() == c.id {
			continue
		}
		if n, ok := sibling.TryResolveAndRemove(ctx, pos); ok {
			c.logger.Debug("ack resolved on sibling consumer",
				zap.Stringer("position", pos),
				zap.Int64("ownerId", sibling.ID()),
			)
			return n, true
		}
	}
	return 0, false
}

func (c *Consumer) HasPendingAck(pos subflow.Position) bool {
	return c.pending.has(pos)
}

func (c *Consumer) TryResolveAndRemove(ctx context.Context, pos subflow.Position) (int, bool) {
	n, ok := c.pending.pop(pos)
	if !ok {
		return 0, false
	}

	t := c.flow.apply(flowEvent{kind: eventAckResolved, n: int64(n)})
	if t.unblocked {
		c.logger.Info("consumer unblocked",
			zap.Int64("unacked", t.unacked),
			zap.Int64("flushedPermits", t.flow),
		)
	}
	c.notify(t)

	return n, true
}

func (c *Consumer) RedeliverAll(ctx context.Context) error {
	var (
		positions []subflow.Position
		drained   int64
	)
	if c.subType == subflow.Shared {
		positions, drained = c.pending.drain()
	}

	t := c.flow.apply(flowEvent{kind: eventRedeliverAll, n: drained})
	c.stats.RecordRedelivery(drained)

	if err := c.sub.RedeliverUnacknowledged(ctx, c, positions); err != nil {
		const errMsg = "failed to redeliver unacknowledged messages"
		c.logger.Error(errMsg, zap.Int("positions", len(positions)), zap.Error(err))
		c.notify(t)
		return fmt.Errorf(errMsg+": %w", err)
	}

	c.logger.Debug("redelivering all unacknowledged messages",
		zap.Int("positions", len(positions)),
		zap.Int64("messages", drained),
		zap.Int64("flushedPermits", t.flow),
	)
	c.notify(t)

	return nil
}

func (c *Consumer) RedeliverSelected(ctx context.Context, positions []subflow.Position) error {
	if c.subType != subflow.Shared {
		// only shared consumers track individual positions
		return c.RedeliverAll(ctx)
	}

	removed, total := c.pending.popAll(positions)

	// a redelivery request always lifts the block, even when none of the
	// positions were still pending here
	t := c.flow.apply(flowEvent{kind: eventRedeliverSelected, n: total})
	if len(removed) == 0 {
		c.notify(t)
		return nil
	}
	c.stats.RecordRedelivery(total)

	if err := c.sub.Redeliver(ctx, c, removed); err != nil {
		const errMsg = "failed to redeliver messages"
		c.logger.Error(errMsg, zap.Int("positions", len(removed)), zap.Error(err))
		c.notify(t)
		return fmt.Errorf(errMsg+": %w", err)
	}

	c.notify(t)
	return nil
}

// notify asks the subscription to dispatch after a transition that made
// credit available.
func (c *Consumer) notify(t transition) {
	if t.notify && !c.closed.Load() {
		c.sub.ConsumerFlow(c, t.flow)
	}
}

func (c *Consumer) AvailablePermits() int64 {
	return c.flow.snapshot().permits
}

func (c *Consumer) PermitsReceivedWhileBlocked() int64 {
	return c.flow.snapshot().permitsWhileBlocked
}

func (c *Consumer) UnackedMessages() int64 {
	return c.flow.snapshot().unacked
}

func (c *Consumer) IsBlocked() bool {
	return c.flow.snapshot().blocked
}

func (c *Consumer) IsWritable() bool {
	return c.conn.IsWritable()
}

func (c *Consumer) PendingAcks() map[subflow.Position]int {
	return c.pending.snapshot()
}

func (c *Consumer) Stats() subflow.ConsumerStats {
	f := c.flow.snapshot()
	s := c.stats.Snapshot()

	return subflow.ConsumerStats{
		ID:                          c.id,
		Name:                        c.name,
		SubType:                     c.subType.String(),
		Address:                     c.conn.RemoteAddr(),
		ConnectedSince:              c.connectedSince,
		AvailablePermits:            f.permits,
		PermitsReceivedWhileBlocked: f.permitsWhileBlocked,
		UnackedMessages:             f.unacked,
		Blocked:                     f.blocked,
		PendingAcks:                 c.pending.len(),
		MsgRateOut:                  s.MsgRateOut,
		MsgThroughputOut:            s.MsgThroughputOut,
		MsgOutCounter:               s.MsgOutCounter,
		BytesOutCounter:             s.BytesOutCounter,
		MsgRateAck:                  s.MsgRateAck,
		MsgAckCounter:               s.AckCounter,
		MsgRateRedeliver:            s.MsgRateRedeliver,
		MsgRedeliverCounter:         s.RedeliverCounter,
		CorruptedEntries:            s.CorruptedEntries,
	}
}

// Close detaches the consumer and hands everything it still holds back to
// the subscription. Calling Close again is a no-op.
func (c *Consumer) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer c.stats.Stop()

	c.logger.Info("closing consumer", zap.Int("pendingAcks", c.pending.len()))

	var errs []error
	if err := c.sub.RemoveConsumer(ctx, c); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove consumer: %w", err))
	}
	if err := c.RedeliverAll(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func completed(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	return ch
}
