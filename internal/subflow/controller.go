package subflow

import "context"

// Controller is the durable side of the broker: the entry log of each topic,
// its write offset, and the acknowledgment state of each subscription.
type Controller interface {
	// GetCursor returns the mark-delete position of a subscription, or
	// NoCursor when it has none yet.
	GetCursor(ctx context.Context, topic, sub string) (Position, error)

	// CommitCursor advances the mark-delete position. Moving it backwards is
	// ignored.
	CommitCursor(ctx context.Context, topic, sub string, pos Position) error

	// GetOffset returns the next entry id to write in ledgerID, 0 for a new
	// ledger.
	GetOffset(ctx context.Context, topic string, ledgerID int64) (int64, error)

	// CommitOffset advances the write offset. Moving it backwards is ignored.
	CommitOffset(ctx context.Context, topic string, ledgerID, next int64) error

	// InsertAck records an individual acknowledgment. Acknowledging the same
	// position twice is not an error.
	InsertAck(ctx context.Context, topic, sub string, pos Position) error

	// IsAcked reports whether pos was individually acknowledged or lies at or
	// before the subscription's cursor.
	IsAcked(ctx context.Context, topic, sub string, pos Position) (bool, error)

	// InsertEntry appends e to the topic's log.
	InsertEntry(ctx context.Context, topic string, e Entry) error

	// LoadEntry returns the entry at pos or an error wrapping
	// ErrEntryNotFound.
	LoadEntry(ctx context.Context, topic string, pos Position) (Entry, error)

	// LoadEntries returns up to limit entries at or after from, in position
	// order.
	LoadEntries(ctx context.Context, topic string, from Position, limit int) ([]Entry, error)
}
