package controller

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"subflow/internal/couchbase"
	"subflow/internal/subflow"
	"subflow/internal/subflow/metrics"
	"subflow/internal/subflow/tracing"
)

func p(ledger, entry int64) subflow.Position {
	return subflow.Position{LedgerID: ledger, EntryID: entry}
}

// testController runs the behaviour every subflow.Controller must share.
func testController(t *testing.T, c subflow.Controller) {
	ctx := context.Background()
	topic := "orders-" + uuid.NewString()

	t.Run("cursor", func(t *testing.T) {
		cur, err := c.GetCursor(ctx, topic, "billing")
		require.NoError(t, err)
		assert.Equal(t, subflow.NoCursor, cur)

		require.NoError(t, c.CommitCursor(ctx, topic, "billing", p(0, 5)))
		require.NoError(t, c.CommitCursor(ctx, topic, "billing", p(0, 3)))

		cur, err = c.GetCursor(ctx, topic, "billing")
		require.NoError(t, err)
		assert.Equal(t, p(0, 5), cur, "cursor never moves backwards")
	})

	t.Run("offset", func(t *testing.T) {
		n, err := c.GetOffset(ctx, topic, 0)
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, c.CommitOffset(ctx, topic, 0, 10))
		require.NoError(t, c.CommitOffset(ctx, topic, 0, 4))

		n, err = c.GetOffset(ctx, topic, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(10), n)
	})

	t.Run("acks", func(t *testing.T) {
		acked, err := c.IsAcked(ctx, topic, "audit", p(0, 2))
		require.NoError(t, err)
		assert.False(t, acked)

		require.NoError(t, c.InsertAck(ctx, topic, "audit", p(0, 2)))
		require.NoError(t, c.InsertAck(ctx, topic, "audit", p(0, 2)))

		acked, err = c.IsAcked(ctx, topic, "audit", p(0, 2))
		require.NoError(t, err)
		assert.True(t, acked)

		// acks are per subscription
		acked, err = c.IsAcked(ctx, topic, "other", p(0, 2))
		require.NoError(t, err)
		assert.False(t, acked)

		require.NoError(t, c.CommitCursor(ctx, topic, "audit", p(0, 7)))
		acked, err = c.IsAcked(ctx, topic, "audit", p(0, 6))
		require.NoError(t, err)
		assert.True(t, acked, "positions at or before the cursor are acked")
	})

	t.Run("entries", func(t *testing.T) {
		for _, pos := range []subflow.Position{p(1, 0), p(0, 1), p(0, 0), p(0, 2)} {
			e := subflow.Entry{Position: pos, Payload: subflow.EncodeBatch(1, []byte(pos.String()))}
			require.NoError(t, c.InsertEntry(ctx, topic, e))
		}

		err := c.InsertEntry(ctx, topic, subflow.Entry{Position: p(0, 1)})
		assert.ErrorIs(t, err, subflow.ErrEntryExists)

		e, err := c.LoadEntry(ctx, topic, p(0, 2))
		require.NoError(t, err)
		assert.Equal(t, []byte("0:2"), subflow.BatchBody(e.Payload))

		_, err = c.LoadEntry(ctx, topic, p(9, 9))
		assert.ErrorIs(t, err, subflow.ErrEntryNotFound)

		entries, err := c.LoadEntries(ctx, topic, p(0, 1), 10)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, p(0, 1), entries[0].Position)
		assert.Equal(t, p(0, 2), entries[1].Position)
		assert.Equal(t, p(1, 0), entries[2].Position)

		entries, err = c.LoadEntries(ctx, topic, p(0, 0), 2)
		require.NoError(t, err)
		assert.Len(t, entries, 2)

		entries, err = c.LoadEntries(ctx, topic, p(2, 0), 10)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestMemoryController(t *testing.T) {
	testController(t, NewMemory())
}

func TestDecoratedController(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := tracing.NewWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)), "test")
	registry := metrics.NewRegistry()

	c := NewTracedController(NewMetricsController(NewMemory(), registry), tracer)
	testController(t, c)

	families, err := registry.Gatherer().Gather()
	require.NoError(t, err)

	var ops float64
	for _, f := range families {
		if f.GetName() != "subflow_database_operation_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			ops += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(len(recorder.Ended())), ops, "every operation is both traced and counted")
	assert.NotZero(t, ops)
}

// TestCouchbaseController runs against a real cluster when
// COUCHBASE_CONNECTION is set, e.g. couchbase://localhost.
func TestCouchbaseController(t *testing.T) {
	conn := os.Getenv("COUCHBASE_CONNECTION")
	if conn == "" {
		t.Skip("COUCHBASE_CONNECTION not set")
	}

	cluster, err := gocb.Connect(conn, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: envOr("COUCHBASE_USERNAME", "Administrator"),
			Password: envOr("COUCHBASE_PASSWORD", "password"),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cluster.Close(nil) })

	bucket := cluster.Bucket(envOr("COUCHBASE_BUCKET", "subflow"))
	require.NoError(t, bucket.WaitUntilReady(30*time.Second, nil))
	scope := envOr("COUCHBASE_SCOPE", "_default")

	cursors, err := subflow.NewCursorsStore(cluster, bucket, scope)
	require.NoError(t, err)
	acks, err := subflow.NewAcksStore(cluster, bucket, scope)
	require.NoError(t, err)
	entries, err := subflow.NewEntriesStore(cluster, bucket, scope)
	require.NoError(t, err)
	offsets, err := subflow.NewOffsetsStore(cluster, bucket, scope)
	require.NoError(t, err)
	transactions, err := couchbase.NewTransactions(cluster, 0)
	require.NoError(t, err)

	c, err := NewController(Config{Retention: time.Hour}, cursors, acks, entries, offsets, transactions)
	require.NoError(t, err)

	testController(t, c)
}

func TestNewControllerValidates(t *testing.T) {
	_, err := NewController(Config{Retention: time.Hour}, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
