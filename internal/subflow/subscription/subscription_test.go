package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"subflow/internal/subflow"
	"subflow/internal/subflow/consumer"
	"subflow/internal/subflow/controller"
	"subflow/internal/subflow/metrics"
)

const topic = "orders"

type recordingConn struct {
	mu       sync.Mutex
	received []subflow.Position
}

func (c *recordingConn) ID() string         { return "conn" }
func (c *recordingConn) RemoteAddr() string { return "pipe" }
func (c *recordingConn) IsWritable() bool   { return true }

func (c *recordingConn) Write(cmd subflow.Command) <-chan error {
	c.mu.Lock()
	if cmd.Type == subflow.CommandMessage {
		c.received = append(c.received, *cmd.Position)
	}
	c.mu.Unlock()

	ch := make(chan error, 1)
	ch <- nil
	return ch
}

func (c *recordingConn) positions() []subflow.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]subflow.Position(nil), c.received...)
}

func newTestSubscription(t *testing.T, store subflow.Controller, name string, subType subflow.SubType) *Subscription {
	t.Helper()

	s, err := NewSubscription(
		Config{ReadBatchSize: 10, DispatchTick: 10 * time.Millisecond, ReadConcurrency: 4},
		topic, name, subType, store, metrics.NewRegistry(), zap.NewNop(),
	)
	require.NoError(t, err)
	return s
}

func run(t *testing.T, s *Subscription) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func attach(t *testing.T, s *Subscription, id int64, name string) (*consumer.Consumer, *recordingConn) {
	t.Helper()

	conn := &recordingConn{}
	c, err := consumer.NewConsumer(consumer.Config{MaxUnackedMessages: 1000}, s, conn, id, name, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.AddConsumer(c))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	return c, conn
}

func publish(t *testing.T, store subflow.Controller, n int) {
	t.Helper()

	for i := range n {
		e := subflow.Entry{
			Position: subflow.Position{EntryID: int64(i)},
			Payload:  subflow.EncodeBatch(1, []byte(`[{"type":"order.created"}]`)),
		}
		require.NoError(t, store.InsertEntry(context.Background(), topic, e))
	}
}

func at(entryID int64) subflow.Position {
	return subflow.Position{EntryID: entryID}
}

func TestAddConsumer(t *testing.T) {
	store := controller.NewMemory()

	t.Run("exclusive takes one consumer", func(t *testing.T) {
		s := newTestSubscription(t, store, "exclusive", subflow.Exclusive)
		attach(t, s, 1, "first")

		c, err := consumer.NewConsumer(consumer.Config{}, s, &recordingConn{}, 2, "second", zap.NewNop())
		require.NoError(t, err)
		assert.ErrorIs(t, s.AddConsumer(c), subflow.ErrConsumerBusy)
		assert.Len(t, s.Consumers(), 1)
	})

	t.Run("shared takes many", func(t *testing.T) {
		s := newTestSubscription(t, store, "shared", subflow.Shared)
		attach(t, s, 1, "a")
		attach(t, s, 2, "b")
		assert.Len(t, s.Consumers(), 2)
	})

	t.Run("remove by id", func(t *testing.T) {
		s := newTestSubscription(t, store, "remove", subflow.Shared)
		c, _ := attach(t, s, 1, "a")
		require.NoError(t, s.RemoveConsumer(context.Background(), c))
		require.NoError(t, s.RemoveConsumer(context.Background(), c))
		assert.Empty(t, s.Consumers())
	})
}

func TestSharedDispatchRoundRobin(t *testing.T) {
	store := controller.NewMemory()
	publish(t, store, 10)

	s := newTestSubscription(t, store, "billing", subflow.Shared)
	a, connA := attach(t, s, 1, "a")
	b, connB := attach(t, s, 2, "b")
	run(t, s)

	ctx := context.Background()
	require.NoError(t, a.GrantCredit(ctx, 5))
	require.NoError(t, b.GrantCredit(ctx, 5))

	require.Eventually(t, func() bool {
		return len(connA.positions())+len(connB.positions()) == 10
	}, time.Second, 5*time.Millisecond)

	seen := make(map[subflow.Position]bool)
	for _, pos := range append(connA.positions(), connB.positions()...) {
		assert.False(t, seen[pos], "delivered twice: %s", pos)
		seen[pos] = true
	}
	assert.Equal(t, int64(len(connA.positions())), a.UnackedMessages())
	assert.Equal(t, int64(len(connB.positions())), b.UnackedMessages())
	assert.Zero(t, a.AvailablePermits()+b.AvailablePermits())
}

func TestFailoverMovesToNextConsumer(t *testing.T) {
	store := controller.NewMemory()
	publish(t, store, 3)

	s := newTestSubscription(t, store, "audit", subflow.Failover)
	standby, standbyConn := attach(t, s, 1, "b")
	active, activeConn := attach(t, s, 2, "a")
	assert.Equal(t, active.ID(), s.Active().ID())
	run(t, s)

	ctx := context.Background()
	require.NoError(t, standby.GrantCredit(ctx, 10))
	require.NoError(t, active.GrantCredit(ctx, 10))

	require.Eventually(t, func() bool {
		return len(activeConn.positions()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, standbyConn.positions())

	require.NoError(t, active.Acknowledge(ctx, at(0), subflow.AckIndividual))
	require.NoError(t, active.Close(ctx))

	require.Eventually(t, func() bool {
		return len(standbyConn.positions()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []subflow.Position{at(1), at(2)}, standbyConn.positions())
}

func TestCumulativeAckResumesAfterCursor(t *testing.T) {
	store := controller.NewMemory()
	publish(t, store, 5)
	ctx := context.Background()

	first := newTestSubscription(t, store, "ledger", subflow.Exclusive)
	c, conn := attach(t, first, 1, "reader")
	stop := run(t, first)

	require.NoError(t, c.GrantCredit(ctx, 10))
	require.Eventually(t, func() bool {
		return len(conn.positions()) == 5
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Acknowledge(ctx, at(2), subflow.AckCumulative))
	cursor, err := store.GetCursor(ctx, topic, "ledger")
	require.NoError(t, err)
	assert.Equal(t, at(2), cursor)

	stop()
	require.NoError(t, c.Close(ctx))

	second := newTestSubscription(t, store, "ledger", subflow.Exclusive)
	c2, conn2 := attach(t, second, 2, "reader")
	run(t, second)
	require.NoError(t, c2.GrantCredit(ctx, 10))

	require.Eventually(t, func() bool {
		return len(conn2.positions()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []subflow.Position{at(3), at(4)}, conn2.positions())
}

func TestIndividualAcksAdvanceCursor(t *testing.T) {
	store := controller.NewMemory()
	ctx := context.Background()
	s := newTestSubscription(t, store, "billing", subflow.Shared)

	require.NoError(t, s.AcknowledgeDurable(ctx, at(1), subflow.AckIndividual))
	cursor, err := store.GetCursor(ctx, topic, "billing")
	require.NoError(t, err)
	assert.Equal(t, subflow.NoCursor, cursor, "gap at entry 0 holds the cursor")

	require.NoError(t, s.AcknowledgeDurable(ctx, at(0), subflow.AckIndividual))
	cursor, err = store.GetCursor(ctx, topic, "billing")
	require.NoError(t, err)
	assert.Equal(t, at(1), cursor)

	acked, err := store.IsAcked(ctx, topic, "billing", at(1))
	require.NoError(t, err)
	assert.True(t, acked)
}

func TestRedeliverSelectedIsDispatchedAgain(t *testing.T) {
	store := controller.NewMemory()
	publish(t, store, 2)
	ctx := context.Background()

	s := newTestSubscription(t, store, "billing", subflow.Shared)
	c, conn := attach(t, s, 1, "a")
	run(t, s)

	require.NoError(t, c.GrantCredit(ctx, 2))
	require.Eventually(t, func() bool {
		return len(conn.positions()) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.RedeliverSelected(ctx, []subflow.Position{at(1)}))
	assert.Equal(t, int64(1), c.UnackedMessages())

	require.NoError(t, c.GrantCredit(ctx, 1))
	require.Eventually(t, func() bool {
		return len(conn.positions()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, at(1), conn.positions()[2])
	assert.Equal(t, int64(2), c.UnackedMessages())
}

func TestAckedRedeliveryIsSkipped(t *testing.T) {
	store := controller.NewMemory()
	publish(t, store, 2)
	ctx := context.Background()

	s := newTestSubscription(t, store, "billing", subflow.Shared)
	c, conn := attach(t, s, 1, "a")

	require.NoError(t, store.InsertAck(ctx, topic, "billing", at(0)))
	require.NoError(t, s.Redeliver(ctx, c, []subflow.Position{at(0), at(1)}))

	entries, err := s.read(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, at(1), entries[0].Position)
	assert.Empty(t, conn.positions())
}

func TestCorruptEntryIsAcknowledgedAndSkipped(t *testing.T) {
	store := controller.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.InsertEntry(ctx, topic, subflow.Entry{Position: at(0), Payload: []byte("junk")}))
	require.NoError(t, store.InsertEntry(ctx, topic, subflow.Entry{Position: at(1), Payload: subflow.EncodeBatch(3, nil)}))

	s := newTestSubscription(t, store, "billing", subflow.Shared)
	c, conn := attach(t, s, 1, "a")
	run(t, s)
	require.NoError(t, c.GrantCredit(ctx, 10))

	require.Eventually(t, func() bool {
		return len(conn.positions()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, at(1), conn.positions()[0])
	assert.Equal(t, int64(3), c.UnackedMessages())

	acked, err := store.IsAcked(ctx, topic, "billing", at(0))
	require.NoError(t, err)
	assert.True(t, acked)
	assert.Equal(t, int64(1), c.Stats().CorruptedEntries)
}

func TestStats(t *testing.T) {
	store := controller.NewMemory()
	publish(t, store, 4)
	ctx := context.Background()

	s := newTestSubscription(t, store, "billing", subflow.Shared)
	c, conn := attach(t, s, 1, "a")
	run(t, s)
	require.NoError(t, c.GrantCredit(ctx, 4))
	require.Eventually(t, func() bool {
		return len(conn.positions()) == 4
	}, time.Second, 5*time.Millisecond)

	st := s.Stats()
	assert.Equal(t, "Shared", st.SubType)
	assert.Equal(t, int64(4), st.UnackedMessages)
	require.Len(t, st.Consumers, 1)
	assert.Equal(t, 4, st.Consumers[0].PendingAcks)
}

func TestBatchedEntriesOvershootByOneBatchAtMost(t *testing.T) {
	const batchSize = 10

	store := controller.NewMemory()
	for i := range 5 {
		e := subflow.Entry{
			Position: at(int64(i)),
			Payload:  subflow.EncodeBatch(batchSize, []byte(`[{"type":"order.created"}]`)),
		}
		require.NoError(t, store.InsertEntry(context.Background(), topic, e))
	}
	ctx := context.Background()

	s := newTestSubscription(t, store, "billing", subflow.Shared)
	c, conn := attach(t, s, 1, "a")
	run(t, s)

	require.NoError(t, c.GrantCredit(ctx, 2))
	require.Eventually(t, func() bool {
		return len(conn.positions()) == 1
	}, time.Second, 5*time.Millisecond)

	// out of credit, so the next ticks deliver nothing more
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []subflow.Position{at(0)}, conn.positions())
	assert.Equal(t, int64(2-batchSize), c.AvailablePermits())
	assert.Greater(t, c.AvailablePermits(), int64(-batchSize))

	require.NoError(t, c.GrantCredit(ctx, 40))
	require.Eventually(t, func() bool {
		return len(conn.positions()) == 5
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []subflow.Position{at(0), at(1), at(2), at(3), at(4)}, conn.positions())
	assert.Equal(t, int64(-8), c.AvailablePermits())
	assert.Equal(t, int64(5*batchSize), c.UnackedMessages())
}

func TestSendToDetachedConsumerDropsHeldSet(t *testing.T) {
	store := controller.NewMemory()
	ctx := context.Background()

	s := newTestSubscription(t, store, "audit", subflow.Failover)
	c, err := consumer.NewConsumer(consumer.Config{}, s, &recordingConn{}, 7, "gone", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.AddConsumer(c))
	require.NoError(t, c.Close(ctx))

	entries := []subflow.Entry{
		{Position: at(3), Payload: subflow.EncodeBatch(1, []byte(`[{}]`))},
		{Position: at(4), Payload: subflow.EncodeBatch(1, []byte(`[{}]`))},
	}
	assert.False(t, s.send(ctx, c, entries))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.NotContains(t, s.delivered, c.ID())
	assert.Contains(t, s.redeliver, at(3))
	assert.Contains(t, s.redeliver, at(4))
}
