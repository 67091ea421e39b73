package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subflow/internal/subflow"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, storeMemory, cfg.Store)
	assert.Equal(t, 50000, cfg.Consumer.MaxUnackedMessages)
	assert.Equal(t, 100, cfg.Subscription.ReadBatchSize)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "orders", cfg.Simulation.Topic)
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subflowd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logLevel: debug
consumer:
  maxUnackedMessages: 10
subscription:
  readBatchSize: 25
  dispatchTick: 50ms
simulation:
  batches: 7
`), 0o600))

	t.Setenv("SIM_BATCHES", "9")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10, cfg.Consumer.MaxUnackedMessages)
	assert.Equal(t, 25, cfg.Subscription.ReadBatchSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Subscription.DispatchTick)
	assert.Equal(t, 9, cfg.Simulation.Batches, "environment wins over the file")
	assert.Equal(t, 5, cfg.Simulation.EventsPerBatch, "defaults fill the rest")
}

func TestLoadConfigRejectsUnknownStore(t *testing.T) {
	t.Setenv("STORE", "bolt")

	_, err := loadConfig("")
	assert.ErrorContains(t, err, "unknown store")
}

func TestTracker(t *testing.T) {
	tr := newTracker(2, "a", "b")

	tr.ack("a", subflow.Position{EntryID: 0})
	tr.ack("a", subflow.Position{EntryID: 0})
	tr.ack("a", subflow.Position{EntryID: 1})
	tr.ack("b", subflow.Position{EntryID: 0})

	select {
	case <-tr.done:
		t.Fatal("done before every subscription caught up")
	default:
	}

	tr.ack("b", subflow.Position{EntryID: 1})
	<-tr.done
	assert.Equal(t, map[string]int{"a": 2, "b": 2}, tr.counts())
}
