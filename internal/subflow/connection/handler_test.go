package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"subflow/internal/subflow"
	"subflow/internal/subflow/metrics"
)

// mockConsumer implements only the methods the handler calls.
type mockConsumer struct {
	subflow.Consumer
	mock.Mock
	id int64
}

func (m *mockConsumer) ID() int64 { return m.id }

func (m *mockConsumer) GrantCredit(ctx context.Context, n int) error {
	return m.Called(ctx, n).Error(0)
}

func (m *mockConsumer) Acknowledge(ctx context.Context, pos subflow.Position, ackType subflow.AckType) error {
	return m.Called(ctx, pos, ackType).Error(0)
}

func (m *mockConsumer) RedeliverAll(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockConsumer) RedeliverSelected(ctx context.Context, positions []subflow.Position) error {
	return m.Called(ctx, positions).Error(0)
}

func (m *mockConsumer) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type outbox struct {
	mu   sync.Mutex
	cmds []subflow.Command
}

func (o *outbox) ID() string         { return "conn" }
func (o *outbox) RemoteAddr() string { return "pipe" }
func (o *outbox) IsWritable() bool   { return true }

func (o *outbox) Write(cmd subflow.Command) <-chan error {
	o.mu.Lock()
	o.cmds = append(o.cmds, cmd)
	o.mu.Unlock()

	ch := make(chan error, 1)
	ch <- nil
	return ch
}

func (o *outbox) errors() []subflow.Command {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []subflow.Command
	for _, cmd := range o.cmds {
		if cmd.Type == subflow.CommandError {
			out = append(out, cmd)
		}
	}
	return out
}

func encode(t *testing.T, cmds ...subflow.Command) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, cmd := range cmds {
		require.NoError(t, enc.Encode(cmd))
	}
	return &buf
}

func newTestHandler(t *testing.T) (*Handler, *outbox) {
	t.Helper()

	out := &outbox{}
	h, err := NewHandler(out, metrics.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	return h, out
}

func TestHandlerRoutesCommands(t *testing.T) {
	h, out := newTestHandler(t)
	c := &mockConsumer{id: 7}
	h.Register(c)

	pos := subflow.Position{LedgerID: 1, EntryID: 3}
	selected := []subflow.Position{{LedgerID: 1, EntryID: 1}}

	c.On("GrantCredit", mock.Anything, 10).Return(nil).Once()
	c.On("Acknowledge", mock.Anything, pos, subflow.AckCumulative).Return(nil).Once()
	c.On("RedeliverSelected", mock.Anything, selected).Return(nil).Once()
	c.On("RedeliverAll", mock.Anything).Return(nil).Twice()

	in := encode(t,
		subflow.Command{Type: subflow.CommandFlow, ConsumerID: 7, Permits: 10},
		subflow.Command{Type: subflow.CommandAck, ConsumerID: 7, Position: &pos, AckType: subflow.AckCumulative},
		subflow.Command{Type: subflow.CommandRedeliver, ConsumerID: 7, Positions: selected},
		subflow.Command{Type: subflow.CommandRedeliver, ConsumerID: 7},
		subflow.Command{Type: subflow.CommandRedeliverAll, ConsumerID: 7},
	)

	require.NoError(t, h.Serve(context.Background(), in))
	c.AssertExpectations(t)
	assert.Empty(t, out.errors())
}

func TestHandlerRejectsCommands(t *testing.T) {
	h, out := newTestHandler(t)
	c := &mockConsumer{id: 7}
	h.Register(c)

	pos := subflow.Position{EntryID: 1}
	c.On("GrantCredit", mock.Anything, 0).Return(subflow.ErrInvalidPermits).Once()
	c.On("Acknowledge", mock.Anything, pos, subflow.AckCumulative).Return(subflow.ErrCumulativeAckOnShared).Once()

	in := encode(t,
		subflow.Command{Type: subflow.CommandFlow, ConsumerID: 7},
		subflow.Command{Type: subflow.CommandAck, ConsumerID: 7, Position: &pos, AckType: subflow.AckCumulative},
		subflow.Command{Type: subflow.CommandAck, ConsumerID: 7},
		subflow.Command{Type: subflow.CommandFlow, ConsumerID: 99, Permits: 1},
		subflow.Command{Type: "SEEK", ConsumerID: 7},
	)

	require.NoError(t, h.Serve(context.Background(), in))
	c.AssertExpectations(t)

	errs := out.errors()
	require.Len(t, errs, 5)
	assert.Contains(t, errs[0].Error, subflow.ErrInvalidPermits.Error())
	assert.Contains(t, errs[1].Error, subflow.ErrCumulativeAckOnShared.Error())
	assert.Contains(t, errs[2].Error, "without position")
	assert.Equal(t, int64(99), errs[3].ConsumerID)
	assert.Contains(t, errs[3].Error, subflow.ErrUnknownConsumer.Error())
	assert.Contains(t, errs[4].Error, "SEEK")
}

func TestHandlerAcceptsAckWithValidationError(t *testing.T) {
	h, out := newTestHandler(t)
	c := &mockConsumer{id: 1}
	h.Register(c)

	pos := subflow.Position{EntryID: 4}
	c.On("Acknowledge", mock.Anything, pos, subflow.AckIndividual).Return(nil).Once()

	in := encode(t, subflow.Command{
		Type:            subflow.CommandAck,
		ConsumerID:      1,
		Position:        &pos,
		ValidationError: "checksum mismatch",
	})

	require.NoError(t, h.Serve(context.Background(), in))
	c.AssertExpectations(t)
	assert.Empty(t, out.errors())
}

func TestHandlerMalformedInput(t *testing.T) {
	h, _ := newTestHandler(t)
	assert.Error(t, h.Serve(context.Background(), bytes.NewBufferString("{not json")))
}

func TestHandlerClose(t *testing.T) {
	h, _ := newTestHandler(t)
	a := &mockConsumer{id: 1}
	b := &mockConsumer{id: 2}
	h.Register(a)
	h.Register(b)

	a.On("Close", mock.Anything).Return(nil).Once()
	b.On("Close", mock.Anything).Return(nil).Once()

	require.NoError(t, h.Close(context.Background()))
	a.AssertExpectations(t)
	b.AssertExpectations(t)

	_, ok := h.Consumer(1)
	assert.False(t, ok)
}
