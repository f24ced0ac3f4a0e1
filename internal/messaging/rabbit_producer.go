// internal/messaging/rabbit_producer.go
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"message-relay/internal/model"
)

// RabbitProducer publishes to a topic exchange on a confirm-mode channel.
// Sends are serialized so each publish is matched with its own confirmation.
// A send that finds the channel gone fails; the next one opens a fresh
// channel. Failed sends are never retried here.
type RabbitProducer struct {
	mu       sync.Mutex
	open     func() (*amqp.Channel, error)
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	seq      uint64
	closed   bool
}

// ensureChannel opens a confirm-mode channel if there is none. Callers hold
// p.mu or own p exclusively.
func (p *RabbitProducer) ensureChannel() error {
	if p.ch != nil {
		return nil
	}
	ch, err := p.open()
	if err != nil {
		return fmt.Errorf("open producer channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 64))
	// confirmation tags restart at 1 on a new channel
	p.seq = 0
	return nil
}

func (p *RabbitProducer) dropChannel() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
		p.confirms = nil
	}
}

// Send publishes value to topic and waits for the broker's confirmation. The
// receipt offset is the channel's publish sequence number.
func (p *RabbitProducer) Send(ctx context.Context, topic string, value []byte) (model.DeliveryReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return model.DeliveryReceipt{}, ErrClosed
	}
	if err := p.ensureChannel(); err != nil {
		return model.DeliveryReceipt{}, err
	}

	err := p.ch.Publish(
		topic, // fanout exchange
		"",
		false,
		false,
		amqp.Publishing{
			ContentType:  "text/plain",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         value,
		},
	)
	if err != nil {
		p.dropChannel()
		return model.DeliveryReceipt{}, fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	p.seq++

	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				p.dropChannel()
				return model.DeliveryReceipt{}, ErrClosed
			}
			// late confirmation of a send that already timed out
			if c.DeliveryTag < p.seq {
				continue
			}
			if !c.Ack {
				return model.DeliveryReceipt{}, fmt.Errorf("broker rejected record %d on topic %s", c.DeliveryTag, topic)
			}
			return model.DeliveryReceipt{
				Topic:     topic,
				Partition: 0,
				Offset:    int64(c.DeliveryTag),
			}, nil
		case <-ctx.Done():
			return model.DeliveryReceipt{}, fmt.Errorf("waiting for confirmation on topic %s: %w", topic, ctx.Err())
		}
	}
}

func (p *RabbitProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.ch == nil {
		return nil
	}
	if err := p.ch.Close(); err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}
