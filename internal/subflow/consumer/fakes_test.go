package consumer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"subflow/internal/subflow"
)

type ackCall struct {
	pos     subflow.Position
	ackType subflow.AckType
}

// fakeSubscription records every call a consumer makes into it.
type fakeSubscription struct {
	mu sync.Mutex

	subType   subflow.SubType
	consumers []subflow.Consumer

	acks           []ackCall
	flows          []int64
	redelivered    [][]subflow.Position
	redeliveredAll [][]subflow.Position
	removed        []int64
}

func newFakeSubscription(subType subflow.SubType) *fakeSubscription {
	return &fakeSubscription{subType: subType}
}

func (s *fakeSubscription) Topic() string            { return "orders" }
func (s *fakeSubscription) Name() string             { return "billing" }
func (s *fakeSubscription) SubType() subflow.SubType { return s.subType }

func (s *fakeSubscription) AcknowledgeDurable(_ context.Context, pos subflow.Position, ackType subflow.AckType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, ackCall{pos: pos, ackType: ackType})
	return nil
}

func (s *fakeSubscription) Redeliver(_ context.Context, _ subflow.Consumer, positions []subflow.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redelivered = append(s.redelivered, positions)
	return nil
}

func (s *fakeSubscription) RedeliverUnacknowledged(_ context.Context, _ subflow.Consumer, positions []subflow.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redeliveredAll = append(s.redeliveredAll, positions)
	return nil
}

func (s *fakeSubscription) ConsumerFlow(_ subflow.Consumer, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = append(s.flows, n)
}

func (s *fakeSubscription) Consumers() []subflow.Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]subflow.Consumer(nil), s.consumers...)
}

func (s *fakeSubscription) RemoveConsumer(_ context.Context, c subflow.Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, c.ID())
	return nil
}

func (s *fakeSubscription) attach(c subflow.Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers = append(s.consumers, c)
}

func (s *fakeSubscription) ackCalls() []ackCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ackCall(nil), s.acks...)
}

func (s *fakeSubscription) flowCalls() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.flows...)
}

// fakeConn completes every write immediately and keeps the commands in
// write order.
type fakeConn struct {
	mu       sync.Mutex
	cmds     []subflow.Command
	writable bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{writable: true}
}

func (c *fakeConn) ID() string         { return "conn-1" }
func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:6650" }

func (c *fakeConn) Write(cmd subflow.Command) <-chan error {
	c.mu.Lock()
	c.cmds = append(c.cmds, cmd)
	c.mu.Unlock()

	ch := make(chan error, 1)
	ch <- nil
	return ch
}

func (c *fakeConn) IsWritable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writable
}

func (c *fakeConn) written() []subflow.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]subflow.Command(nil), c.cmds...)
}

// mockSubscription is used where exact collaborator calls matter more than
// recorded history.
type mockSubscription struct {
	mock.Mock
}

func (m *mockSubscription) Topic() string { return "orders" }
func (m *mockSubscription) Name() string  { return "audit" }

func (m *mockSubscription) SubType() subflow.SubType {
	return m.Called().Get(0).(subflow.SubType)
}

func (m *mockSubscription) AcknowledgeDurable(ctx context.Context, pos subflow.Position, ackType subflow.AckType) error {
	return m.Called(ctx, pos, ackType).Error(0)
}

func (m *mockSubscription) Redeliver(ctx context.Context, c subflow.Consumer, positions []subflow.Position) error {
	return m.Called(ctx, c, positions).Error(0)
}

func (m *mockSubscription) RedeliverUnacknowledged(ctx context.Context, c subflow.Consumer, positions []subflow.Position) error {
	return m.Called(ctx, c, positions).Error(0)
}

func (m *mockSubscription) ConsumerFlow(c subflow.Consumer, n int64) {
	m.Called(c, n)
}

func (m *mockSubscription) Consumers() []subflow.Consumer {
	return m.Called().Get(0).([]subflow.Consumer)
}

func (m *mockSubscription) RemoveConsumer(ctx context.Context, c subflow.Consumer) error {
	return m.Called(ctx, c).Error(0)
}

func newTestConsumer(t *testing.T, sub subflow.Subscription, id int64, maxUnacked int) (*Consumer, *fakeConn) {
	t.Helper()

	conn := newFakeConn()
	c, err := NewConsumer(Config{MaxUnackedMessages: maxUnacked}, sub, conn, id, "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.stats.Stop() })

	return c, conn
}

func entry(entryID int64, batchSize int) subflow.Entry {
	return subflow.Entry{
		Position: subflow.Position{LedgerID: 1, EntryID: entryID},
		Payload:  subflow.EncodeBatch(batchSize, []byte("payload")),
	}
}

func pos(entryID int64) subflow.Position {
	return subflow.Position{LedgerID: 1, EntryID: entryID}
}

func sumPending(c *Consumer) int64 {
	var total int64
	for _, n := range c.PendingAcks() {
		total += int64(n)
	}
	return total
}
