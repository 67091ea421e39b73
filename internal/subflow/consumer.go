package subflow

import (
	"context"
	"time"
)

// PendingAckResolver is the capability a subscription hands to its consumers
// so that an acknowledgment received on one consumer can be settled on the
// sibling that actually delivered the position.
type PendingAckResolver interface {
	ID() int64

	// HasPendingAck reports whether pos is currently pending on this consumer.
	HasPendingAck(pos Position) bool

	// TryResolveAndRemove removes pos from this consumer's pending acks and
	// releases its unacked messages, unblocking the consumer when the
	// release brings it under its low-water mark. It returns the batch size
	// recorded for pos, or false when pos was not pending here.
	TryResolveAndRemove(ctx context.Context, pos Position) (int, bool)
}

// Consumer is one client's attachment to a subscription.
type Consumer interface {
	PendingAckResolver

	Name() string
	SubType() SubType

	// Dispatch records credit and pending-ack bookkeeping for entries and
	// schedules them on the connection. The returned channel receives the
	// result of the final write; the int is the number of logical messages
	// sent.
	Dispatch(ctx context.Context, entries []Entry) (<-chan error, int)

	// GrantCredit adds n delivery permits granted by the client.
	GrantCredit(ctx context.Context, n int) error

	// Acknowledge settles pos.
	Acknowledge(ctx context.Context, pos Position, ackType AckType) error

	// RedeliverAll hands every unacknowledged message back for redelivery.
	RedeliverAll(ctx context.Context) error

	// RedeliverSelected hands back the listed positions that are pending on
	// this consumer; others are ignored.
	RedeliverSelected(ctx context.Context, positions []Position) error

	AvailablePermits() int64
	PermitsReceivedWhileBlocked() int64
	UnackedMessages() int64
	IsBlocked() bool
	IsWritable() bool

	// PendingAcks returns a snapshot of position to batch size.
	PendingAcks() map[Position]int

	Stats() ConsumerStats

	// Close detaches the consumer and returns its unacknowledged messages
	// to the subscription.
	Close(ctx context.Context) error
}

// ConsumerStats is a point-in-time view of a consumer.
type ConsumerStats struct {
	ID                          int64     `json:"id"`
	Name                        string    `json:"name"`
	SubType                     string    `json:"subType"`
	Address                     string    `json:"address"`
	ConnectedSince              time.Time `json:"connectedSince"`
	AvailablePermits            int64     `json:"availablePermits"`
	PermitsReceivedWhileBlocked int64     `json:"permitsReceivedWhileBlocked"`
	UnackedMessages             int64     `json:"unackedMessages"`
	Blocked                     bool      `json:"blockedConsumerOnUnackedMsgs"`
	PendingAcks                 int       `json:"pendingAcks"`

	MsgRateOut          float64 `json:"msgRateOut"`
	MsgThroughputOut    float64 `json:"msgThroughputOut"`
	MsgOutCounter       int64   `json:"msgOutCounter"`
	BytesOutCounter     int64   `json:"bytesOutCounter"`
	MsgRateAck          float64 `json:"msgRateAck"`
	MsgAckCounter       int64   `json:"msgAckCounter"`
	MsgRateRedeliver    float64 `json:"msgRateRedeliver"`
	MsgRedeliverCounter int64   `json:"msgRedeliverCounter"`
	CorruptedEntries    int64   `json:"corruptedEntries"`
}
