// internal/messaging/rabbit_consumer.go
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"message-relay/internal/model"
)

// RabbitConsumer reads a group queue with manual acknowledgement. Offsets are
// delivery tags of its channel; deliveries left unacknowledged when the
// channel closes are requeued by the broker.
type RabbitConsumer struct {
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	topic      string
	tag        string
	batch      int

	closeOnce sync.Once
	closeErr  error
}

func (c *RabbitConsumer) Subscribe(topic, group string) error {
	if c.deliveries != nil {
		return errors.New("consumer already subscribed")
	}

	queueName := QueueName(topic, group)
	consumerTag := fmt.Sprintf("%s-%s", group, uuid.NewString())

	msgs, err := c.ch.Consume(
		queueName,
		consumerTag,
		false, // autoAck: false, offsets are committed after persistence
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("group %s: failed to start consuming %s: %w", group, queueName, err)
	}

	c.deliveries = msgs
	c.topic = topic
	c.tag = consumerTag
	return nil
}

func (c *RabbitConsumer) Poll(ctx context.Context, maxWait time.Duration) ([]model.StreamRecord, error) {
	if c.deliveries == nil {
		return nil, errors.New("consumer not subscribed")
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	var records []model.StreamRecord
	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		records = append(records, c.record(d))
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for c.batch <= 0 || len(records) < c.batch {
		select {
		case d, ok := <-c.deliveries:
			if !ok {
				return records, nil
			}
			records = append(records, c.record(d))
		default:
			return records, nil
		}
	}
	return records, nil
}

func (c *RabbitConsumer) record(d amqp.Delivery) model.StreamRecord {
	return model.StreamRecord{
		Topic:     c.topic,
		Text:      string(d.Body),
		Partition: 0,
		Offset:    int64(d.DeliveryTag),
	}
}

func (c *RabbitConsumer) Commit(offset int64) error {
	return c.ch.Ack(uint64(offset), true)
}

func (c *RabbitConsumer) Reject(offset int64) error {
	return c.ch.Nack(uint64(offset), false, false)
}

func (c *RabbitConsumer) Close() error {
	c.closeOnce.Do(func() {
		if c.tag != "" {
			_ = c.ch.Cancel(c.tag, false)
		}
		if err := c.ch.Close(); err != nil && err != amqp.ErrClosed {
			c.closeErr = err
		}
	})
	return c.closeErr
}
