package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"

	"subflow/internal/couchbase"
	"subflow/internal/subflow"
	"subflow/internal/validator"
)

type Config struct {
	// Retention is the document expiry of entries and individual acks.
	Retention time.Duration `env:"ENTRY_RETENTION" envDefault:"168h" yaml:"retention"`
}

// Controller is the Couchbase implementation of subflow.Controller. Cursor
// and offset commits run in transactions so concurrent committers never move
// them backwards.
type Controller struct {
	cursors      *couchbase.Couchbase[subflow.Cursor]
	acks         *couchbase.Couchbase[subflow.Ack]
	entries      *couchbase.Couchbase[subflow.EntryDoc]
	offsets      *couchbase.Couchbase[subflow.Offset]
	transactions *couchbase.Transactions
	retention    time.Duration
}

func NewController(
	config Config,
	cursors *couchbase.Couchbase[subflow.Cursor],
	acks *couchbase.Couchbase[subflow.Ack],
	entries *couchbase.Couchbase[subflow.EntryDoc],
	offsets *couchbase.Couchbase[subflow.Offset],
	transactions *couchbase.Transactions,
) (*Controller, error) {
	c := Controller{
		cursors:      cursors,
		acks:         acks,
		entries:      entries,
		offsets:      offsets,
		transactions: transactions,
		retention:    config.Retention,
	}

	if err := validator.Validate(
		"controller",
		c.cursors,
		c.acks,
		c.entries,
		c.offsets,
		c.transactions,
		c.retention,
	); err != nil {
		return nil, fmt.Errorf("failed to validate controller dependencies: %w", err)
	}

	return &c, nil
}

// GetCursor returns subflow.NoCursor for subscriptions without a cursor.
func (c *Controller) GetCursor(ctx context.Context, topic, sub string) (subflow.Position, error) {
	cur, err := c.cursors.Get(ctx, subflow.CursorKey(topic, sub), nil)
	switch {
	case err == nil:
		return cur.Position(), nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return subflow.NoCursor, nil
	default:
		return subflow.Position{}, fmt.Errorf("failed to get cursor: %w", err)
	}
}

func (c *Controller) CommitCursor(ctx context.Context, topic, sub string, pos subflow.Position) error {
	key := subflow.CursorKey(topic, sub)

	_, err := c.transactions.Transaction(func(r couchbase.TransactionRunner) error {
		for {
			res, err := r.Get(c.cursors, key)
			switch {
			case err == nil:
			case errors.Is(err, gocb.ErrDocumentNotFound):
				cursor := subflow.Cursor{
					ID:       key,
					Topic:    topic,
					Sub:      sub,
					LedgerID: pos.LedgerID,
					EntryID:  pos.EntryID,
				}
				_, err := r.Insert(c.cursors, key, cursor)
				switch {
				case err == nil:
					return nil
				case errors.Is(err, gocb.ErrDocumentExists):
					// another committer created it first
					continue
				default:
					return fmt.Errorf("failed to insert new cursor: %w", err)
				}
			default:
				return fmt.Errorf("failed to get cursor: %w", err)
			}

			var cursor subflow.Cursor
			if err := res.Content(&cursor); err != nil {
				return fmt.Errorf("failed to decode cursor: %w", err)
			}

			if !cursor.Position().Less(pos) {
				return nil
			}

			cursor.LedgerID, cursor.EntryID = pos.LedgerID, pos.EntryID
			if _, err := r.Replace(res, cursor); err != nil {
				return fmt.Errorf("failed to replace cursor: %w", err)
			}
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("failed to commit cursor for topic %s sub %s: %w", topic, sub, err)
	}

	return nil
}

func (c *Controller) GetOffset(ctx context.Context, topic string, ledgerID int64) (int64, error) {
	offset, err := c.offsets.Get(ctx, subflow.OffsetKey(topic, ledgerID), nil)
	switch {
	case err == nil:
		return offset.N, nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return 0, nil
	default:
		return 0, fmt.Errorf("failed to get offset: %w", err)
	}
}

func (c *Controller) CommitOffset(ctx context.Context, topic string, ledgerID, next int64) error {
	key := subflow.OffsetKey(topic, ledgerID)

	_, err := c.transactions.Transaction(func(r couchbase.TransactionRunner) error {
		for {
			res, err := r.Get(c.offsets, key)
			switch {
			case err == nil:
			case errors.Is(err, gocb.ErrDocumentNotFound):
				_, err := r.Insert(c.offsets, key, subflow.Offset{ID: key, LedgerID: ledgerID, N: next})
				switch {
				case err == nil:
					return nil
				case errors.Is(err, gocb.ErrDocumentExists):
					continue
				default:
					return fmt.Errorf("failed to insert new offset: %w", err)
				}
			default:
				return fmt.Errorf("failed to get offset: %w", err)
			}

			var existing subflow.Offset
			if err := res.Content(&existing); err != nil {
				return fmt.Errorf("failed to decode offset: %w", err)
			}

			if next <= existing.N {
				return nil
			}

			existing.N = next
			if _, err := r.Replace(res, existing); err != nil {
				return fmt.Errorf("failed to replace offset: %w", err)
			}
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("failed to commit offset for topic %s ledger %d: %w", topic, ledgerID, err)
	}

	return nil
}

func (c *Controller) InsertAck(ctx context.Context, topic, sub string, pos subflow.Position) error {
	key := subflow.AckKey(topic, sub, pos)
	ack := subflow.Ack{
		ID:       key,
		Topic:    topic,
		Sub:      sub,
		LedgerID: pos.LedgerID,
		EntryID:  pos.EntryID,
		AckedAt:  time.Now().UTC(),
	}

	if err := c.acks.Upsert(ctx, key, ack, &gocb.UpsertOptions{Expiry: c.retention}); err != nil {
		return fmt.Errorf("failed to insert ack: %w", err)
	}

	return nil
}

func (c *Controller) IsAcked(ctx context.Context, topic, sub string, pos subflow.Position) (bool, error) {
	cursor, err := c.GetCursor(ctx, topic, sub)
	if err != nil {
		return false, err
	}
	if !cursor.Less(pos) {
		return true, nil
	}

	ok, err := c.acks.Exists(ctx, subflow.AckKey(topic, sub, pos))
	if err != nil {
		return false, fmt.Errorf("failed to look up ack: %w", err)
	}

	return ok, nil
}

func (c *Controller) InsertEntry(ctx context.Context, topic string, e subflow.Entry) error {
	now := time.Now().UTC()
	doc := subflow.EntryDoc{
		ID:          subflow.EntryKey(topic, e.Position),
		Topic:       topic,
		LedgerID:    e.Position.LedgerID,
		EntryID:     e.Position.EntryID,
		Payload:     e.Payload,
		PublishTime: &now,
	}

	err := c.entries.Insert(ctx, doc.ID, doc, &gocb.InsertOptions{Expiry: c.retention})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gocb.ErrDocumentExists):
		return fmt.Errorf("failed to insert entry %s: %w", e.Position, subflow.ErrEntryExists)
	default:
		return fmt.Errorf("failed to insert entry: %w", err)
	}
}

func (c *Controller) LoadEntry(ctx context.Context, topic string, pos subflow.Position) (subflow.Entry, error) {
	doc, err := c.entries.Get(ctx, subflow.EntryKey(topic, pos), nil)
	switch {
	case err == nil:
		return doc.Entry(), nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return subflow.Entry{}, fmt.Errorf("failed to load entry %s: %w", pos, subflow.ErrEntryNotFound)
	default:
		return subflow.Entry{}, fmt.Errorf("failed to load entry %s: %w", pos, err)
	}
}

func (c *Controller) LoadEntries(ctx context.Context, topic string, from subflow.Position, limit int) ([]subflow.Entry, error) {
	query := fmt.Sprintf(`
		SELECT RAW e
		FROM %s e
		WHERE e.topic = $topic
		AND (e.ledgerId > $ledger OR (e.ledgerId = $ledger AND e.entryId >= $entry))
		ORDER BY e.ledgerId ASC, e.entryId ASC
		LIMIT $limit`,
		c.entries.Keyspace(),
	)

	docs, err := c.entries.Query(ctx, query, &gocb.QueryOptions{
		NamedParameters: map[string]any{
			"topic":  topic,
			"ledger": from.LedgerID,
			"entry":  from.EntryID,
			"limit":  limit,
		},
		ScanConsistency: gocb.QueryScanConsistencyRequestPlus,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}

	entries := make([]subflow.Entry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, d.Entry())
	}

	return entries, nil
}
