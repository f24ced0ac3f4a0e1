// internal/messaging/stream.go
package messaging

import (
	"context"
	"errors"
	"time"

	"message-relay/internal/model"
)

// ErrClosed is returned once a stream client or its broker connection is gone.
var ErrClosed = errors.New("stream client closed")

// Producer sends records to a topic. Send blocks until the broker confirms or
// rejects the record, or ctx is done.
type Producer interface {
	Send(ctx context.Context, topic string, value []byte) (model.DeliveryReceipt, error)
	Close() error
}

// Consumer reads one topic under a consumer group.
//
// Poll waits at most maxWait for the first record and then returns whatever
// else is already buffered. An empty result with a nil error means the wait
// elapsed. Commit acknowledges every delivered record up to and including
// offset; Reject dead-letters a single record.
type Consumer interface {
	Subscribe(topic, group string) error
	Poll(ctx context.Context, maxWait time.Duration) ([]model.StreamRecord, error)
	Commit(offset int64) error
	Reject(offset int64) error
	Close() error
}
