// Package messagingtest provides an in-memory broker implementing the
// messaging contracts, for tests that must not depend on a running RabbitMQ.
package messagingtest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"message-relay/internal/messaging"
	"message-relay/internal/model"
)

// Broker keeps one ordered log per topic and one delivery cursor per
// topic/group pair. Offsets start at zero.
type Broker struct {
	mu        sync.Mutex
	logs      map[string][]string
	cursors   map[string]int64
	committed map[string]int64
	rejected  map[string][]int64
	notify    chan struct{}

	sendErr error
	pollErr error
}

func NewBroker() *Broker {
	return &Broker{
		logs:      make(map[string][]string),
		cursors:   make(map[string]int64),
		committed: make(map[string]int64),
		rejected:  make(map[string][]int64),
		notify:    make(chan struct{}),
	}
}

func groupKey(topic, group string) string {
	return topic + "/" + group
}

// FailSends makes every following Send return err. Pass nil to recover.
func (b *Broker) FailSends(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// FailPolls makes every following Poll return err. Pass nil to recover.
func (b *Broker) FailPolls(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollErr = err
}

// Records returns every value appended to topic, in order.
func (b *Broker) Records(topic string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.logs[topic]...)
}

// Committed returns the last committed offset of a group, or -1.
func (b *Broker) Committed(topic, group string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off, ok := b.committed[groupKey(topic, group)]; ok {
		return off
	}
	return -1
}

// Rejected returns the dead-lettered offsets of a group.
func (b *Broker) Rejected(topic, group string) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.rejected[groupKey(topic, group)]...)
}

func (b *Broker) append(topic, value string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sendErr != nil {
		return 0, b.sendErr
	}
	b.logs[topic] = append(b.logs[topic], value)
	close(b.notify)
	b.notify = make(chan struct{})
	return int64(len(b.logs[topic]) - 1), nil
}

// Producer returns a new producer attached to the broker.
func (b *Broker) Producer() *Producer {
	return &Producer{broker: b}
}

// Consumer returns a new, unsubscribed consumer attached to the broker.
// batch bounds the records returned by one Poll; zero means unbounded.
func (b *Broker) Consumer(batch int) *Consumer {
	return &Consumer{broker: b, batch: batch, pending: make(map[int64]struct{})}
}

type Producer struct {
	broker *Broker

	mu     sync.Mutex
	closed bool
}

func (p *Producer) Send(ctx context.Context, topic string, value []byte) (model.DeliveryReceipt, error) {
	if err := ctx.Err(); err != nil {
		return model.DeliveryReceipt{}, err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return model.DeliveryReceipt{}, messaging.ErrClosed
	}

	off, err := p.broker.append(topic, string(value))
	if err != nil {
		return model.DeliveryReceipt{}, err
	}
	return model.DeliveryReceipt{Topic: topic, Partition: 0, Offset: off}, nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type Consumer struct {
	broker *Broker
	batch  int

	mu      sync.Mutex
	topic   string
	group   string
	pending map[int64]struct{}
	closed  bool
}

func (c *Consumer) Subscribe(topic, group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.topic != "" {
		return errors.New("consumer already subscribed")
	}
	c.topic = topic
	c.group = group
	return nil
}

func (c *Consumer) Poll(ctx context.Context, maxWait time.Duration) ([]model.StreamRecord, error) {
	c.mu.Lock()
	topic, group, closed := c.topic, c.group, c.closed
	c.mu.Unlock()
	if closed {
		return nil, messaging.ErrClosed
	}
	if topic == "" {
		return nil, errors.New("consumer not subscribed")
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	key := groupKey(topic, group)
	for {
		b := c.broker
		b.mu.Lock()
		if b.pollErr != nil {
			err := b.pollErr
			b.mu.Unlock()
			return nil, err
		}
		log := b.logs[topic]
		next := b.cursors[key]
		if next < int64(len(log)) {
			end := int64(len(log))
			if c.batch > 0 && end-next > int64(c.batch) {
				end = next + int64(c.batch)
			}
			records := make([]model.StreamRecord, 0, end-next)
			for off := next; off < end; off++ {
				records = append(records, model.StreamRecord{
					Topic:     topic,
					Text:      log[off],
					Partition: 0,
					Offset:    off,
				})
			}
			b.cursors[key] = end
			b.mu.Unlock()

			c.mu.Lock()
			for _, r := range records {
				c.pending[r.Offset] = struct{}{}
			}
			c.mu.Unlock()
			return records, nil
		}
		wake := b.notify
		b.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Consumer) Commit(offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return messaging.ErrClosed
	}
	for off := range c.pending {
		if off <= offset {
			delete(c.pending, off)
		}
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed[groupKey(c.topic, c.group)] = offset
	return nil
}

func (c *Consumer) Reject(offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return messaging.ErrClosed
	}
	delete(c.pending, offset)

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	key := groupKey(c.topic, c.group)
	b.rejected[key] = append(b.rejected[key], offset)
	return nil
}

// Close returns unsettled deliveries to the group, like a broker does when a
// consumer's channel goes away.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if len(c.pending) == 0 {
		return nil
	}
	offsets := make([]int64, 0, len(c.pending))
	for off := range c.pending {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	key := groupKey(c.topic, c.group)
	if offsets[0] < b.cursors[key] {
		b.cursors[key] = offsets[0]
	}
	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var (
	_ messaging.Producer = (*Producer)(nil)
	_ messaging.Consumer = (*Consumer)(nil)
)
