// internal/messaging/rabbit.go
package messaging

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"message-relay/internal/metrics"
)

// RabbitClient owns the broker connection and an admin channel used for
// topology and inspection. Producers and consumers get channels of their own.
// A lost connection is redialed the next time a channel is opened, so a
// supervisor rebuilding its consumer or a producer reopening its channel
// recovers once the broker is back.
//
// A topic maps to a durable fanout exchange and a consumer group to a durable
// queue bound to it, so members of one group compete for records and progress
// survives restarts. A queue is a single partition.
type RabbitClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	URL     string
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func NewRabbitClient(url string, logger zerolog.Logger) (*RabbitClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	return &RabbitClient{
		conn:    conn,
		channel: ch,
		URL:     url,
		logger:  logger.With().Str("component", "rabbitmq").Logger(),
	}, nil
}

func (r *RabbitClient) GetConnection() *amqp.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// ensureConnected redials when the connection or the admin channel is gone.
// Callers hold r.mu.
func (r *RabbitClient) ensureConnected() error {
	if r.closed {
		return ErrClosed
	}

	if r.conn.IsClosed() {
		conn, err := amqp.Dial(r.URL)
		if err != nil {
			return fmt.Errorf("failed to reconnect to RabbitMQ: %w", err)
		}
		r.conn = conn
		r.channel = nil
		r.logger.Warn().Msg("reconnected to RabbitMQ")
	}

	if r.channel == nil {
		ch, err := r.conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to create channel: %w", err)
		}
		r.channel = ch
	}
	return nil
}

// openChannel returns a new channel, redialing first if needed.
func (r *RabbitClient) openChannel() (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureConnected(); err != nil {
		return nil, err
	}
	return r.conn.Channel()
}

// adminFailed drops the admin channel after an error; the broker closes a
// channel on most operation failures.
func (r *RabbitClient) adminFailed() {
	if r.channel != nil {
		_ = r.channel.Close()
		r.channel = nil
	}
}

// QueueName is the durable queue backing a consumer group on a topic.
func QueueName(topic, group string) string {
	return fmt.Sprintf("%s.%s", topic, group)
}

// DeadLetterQueueName receives records the group rejected.
func DeadLetterQueueName(topic, group string) string {
	return QueueName(topic, group) + ".dlq"
}

// DeclareTopic creates the topic exchange, the group queue and its
// dead-letter queue. Declaring an existing topology is a no-op.
func (r *RabbitClient) DeclareTopic(topic, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureConnected(); err != nil {
		return err
	}
	if err := r.declareTopic(topic, group); err != nil {
		r.adminFailed()
		return err
	}

	r.logger.Info().Str("topic", topic).Str("group", group).Msg("topology declared")
	return nil
}

func (r *RabbitClient) declareTopic(topic, group string) error {
	queueName := QueueName(topic, group)
	dlqName := DeadLetterQueueName(topic, group)

	// 1. Exchange
	if err := r.channel.ExchangeDeclare(topic, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	// 2. DLQ
	_, err := r.channel.QueueDeclare(
		dlqName,
		true, false, false, false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare DLQ: %w", err)
	}

	// 3. Group queue with DLQ binding
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqName,
	}
	_, err = r.channel.QueueDeclare(
		queueName,
		true, false, false, false,
		args,
	)
	if err != nil {
		return fmt.Errorf("declare group queue: %w", err)
	}

	if err := r.channel.QueueBind(queueName, "", topic, false, nil); err != nil {
		return fmt.Errorf("bind group queue: %w", err)
	}
	return nil
}

// NewProducer opens a channel in confirm mode. The producer reopens it
// through the client after the channel or the connection is lost.
func (r *RabbitClient) NewProducer() (*RabbitProducer, error) {
	p := &RabbitProducer{open: r.openChannel}
	if err := p.ensureChannel(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewConsumer opens a channel limited to prefetch unacknowledged deliveries.
func (r *RabbitClient) NewConsumer(prefetch int) (*RabbitConsumer, error) {
	ch, err := r.openChannel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("set prefetch: %w", err)
		}
	}
	return &RabbitConsumer{ch: ch, batch: prefetch}, nil
}

// Ping reports whether the connection is still open.
func (r *RabbitClient) Ping() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.conn.IsClosed() {
		return ErrClosed
	}
	return nil
}

// Close cleans up connection and channel. A closed client never redials.
func (r *RabbitClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.channel != nil {
		if err := r.channel.Close(); err != nil && err != amqp.ErrClosed {
			return err
		}
		r.channel = nil
	}
	if err := r.conn.Close(); err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}

// UpdateQueueDepth samples the number of records waiting for the group.
func (r *RabbitClient) UpdateQueueDepth(topic, group string) {
	queueName := QueueName(topic, group)

	r.mu.Lock()
	var q amqp.Queue
	err := r.ensureConnected()
	if err == nil {
		if q, err = r.channel.QueueInspect(queueName); err != nil {
			r.adminFailed()
		}
	}
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn().Err(err).Str("queue", queueName).Msg("failed to inspect queue")
		return
	}

	metrics.QueueDepth.WithLabelValues(queueName).Set(float64(q.Messages))
}
