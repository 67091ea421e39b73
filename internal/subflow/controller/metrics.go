package controller

import (
	"context"
	"time"

	"subflow/internal/subflow"
	"subflow/internal/subflow/metrics"
)

// MetricsController wraps a subflow.Controller with metrics collection
type MetricsController struct {
	controller subflow.Controller
	registry   *metrics.Registry
}

func NewMetricsController(controller subflow.Controller, registry *metrics.Registry) subflow.Controller {
	return &MetricsController{
		controller: controller,
		registry:   registry,
	}
}

func (c *MetricsController) GetCursor(ctx context.Context, topic, sub string) (subflow.Position, error) {
	start := time.Now()

	pos, err := c.controller.GetCursor(ctx, topic, sub)
	c.registry.RecordDatabaseOperation("get_cursor", time.Since(start), err)

	return pos, err
}

func (c *MetricsController) CommitCursor(ctx context.Context, topic, sub string, pos subflow.Position) error {
	start := time.Now()

	err := c.controller.CommitCursor(ctx, topic, sub, pos)
	c.registry.RecordDatabaseOperation("commit_cursor", time.Since(start), err)

	return err
}

func (c *MetricsController) GetOffset(ctx context.Context, topic string, ledgerID int64) (int64, error) {
	start := time.Now()

	n, err := c.controller.GetOffset(ctx, topic, ledgerID)
	c.registry.RecordDatabaseOperation("get_offset", time.Since(start), err)

	return n, err
}

func (c *MetricsController) CommitOffset(ctx context.Context, topic string, ledgerID, next int64) error {
	start := time.Now()

	err := c.controller.CommitOffset(ctx, topic, ledgerID, next)
	c.registry.RecordDatabaseOperation("commit_offset", time.Since(start), err)

	return err
}

func (c *MetricsController) InsertAck(ctx context.Context, topic, sub string, pos subflow.Position) error {
	start := time.Now()

	err := c.controller.InsertAck(ctx, topic, sub, pos)
	c.registry.RecordDatabaseOperation("insert_ack", time.Since(start), err)

	return err
}

func (c *MetricsController) IsAcked(ctx context.Context, topic, sub string, pos subflow.Position) (bool, error) {
	start := time.Now()

	ok, err := c.controller.IsAcked(ctx, topic, sub, pos)
	c.registry.RecordDatabaseOperation("is_acked", time.Since(start), err)

	return ok, err
}

func (c *MetricsController) InsertEntry(ctx context.Context, topic string, e subflow.Entry) error {
	start := time.Now()

	err := c.controller.InsertEntry(ctx, topic, e)
	c.registry.RecordDatabaseOperation("insert_entry", time.Since(start), err)

	return err
}

func (c *MetricsController) LoadEntry(ctx context.Context, topic string, pos subflow.Position) (subflow.Entry, error) {
	start := time.Now()

	e, err := c.controller.LoadEntry(ctx, topic, pos)
	c.registry.RecordDatabaseOperation("load_entry", time.Since(start), err)

	return e, err
}

func (c *MetricsController) LoadEntries(ctx context.Context, topic string, from subflow.Position, limit int) ([]subflow.Entry, error) {
	start := time.Now()

	entries, err := c.controller.LoadEntries(ctx, topic, from, limit)
	c.registry.RecordDatabaseOperation("load_entries", time.Since(start), err)

	return entries, err
}
