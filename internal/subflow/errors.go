package subflow

import "errors"

var (
	ErrInvalidPermits        = errors.New("flow permits must be a positive integer")
	ErrCumulativeAckOnShared = errors.New("cumulative acknowledgment is not allowed on a shared subscription")
	ErrCorruptEntry          = errors.New("corrupt entry")
	ErrConsumerClosed        = errors.New("consumer is closed")
	ErrConsumerBusy          = errors.New("exclusive subscription already has a consumer")
	ErrUnknownConsumer       = errors.New("unknown consumer")
	ErrConnectionClosed      = errors.New("connection is closed")
	ErrEntryNotFound         = errors.New("entry not found")
	ErrEntryExists           = errors.New("entry already exists")
)
