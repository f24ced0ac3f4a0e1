// Package publisher hands validated messages to the stream without making
// the caller wait for the broker.
package publisher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"message-relay/internal/messaging"
	"message-relay/internal/metrics"
	"message-relay/internal/model"
)

var (
	// ErrQueueFull is returned by Submit when the send queue is at capacity.
	ErrQueueFull = errors.New("publisher queue full")
	// ErrClosed is returned by Submit once Close has been called.
	ErrClosed = errors.New("publisher closed")
)

// Result is the outcome of one submission.
type Result struct {
	Receipt model.DeliveryReceipt
	Err     error
}

type Options struct {
	Topic       string
	QueueSize   int
	SendTimeout time.Duration
}

type submission struct {
	text   string
	result chan Result
}

// Publisher queues submissions for a single send goroutine, so records from
// one Publisher reach the stream in submission order. Sends are not retried.
type Publisher struct {
	producer messaging.Producer
	opts     Options
	logger   zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan submission

	abort     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func New(producer messaging.Producer, opts Options, logger zerolog.Logger) *Publisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}

	p := &Publisher{
		producer: producer,
		opts:     opts,
		logger:   logger.With().Str("component", "publisher").Str("topic", opts.Topic).Logger(),
		queue:    make(chan submission, opts.QueueSize),
		abort:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// Submit enqueues text and returns immediately. The returned channel
// receives exactly one Result once the broker has confirmed or refused the
// record; callers that do not care may drop it.
func (p *Publisher) Submit(text string) (<-chan Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		metrics.Submissions.WithLabelValues("closed").Inc()
		return nil, ErrClosed
	}

	s := submission{text: text, result: make(chan Result, 1)}
	select {
	case p.queue <- s:
		metrics.Submissions.WithLabelValues("accepted").Inc()
		metrics.PublishQueueDepth.Set(float64(len(p.queue)))
		return s.result, nil
	default:
		metrics.Submissions.WithLabelValues("rejected").Inc()
		return nil, ErrQueueFull
	}
}

func (p *Publisher) run() {
	defer close(p.done)

	for s := range p.queue {
		metrics.PublishQueueDepth.Set(float64(len(p.queue)))

		select {
		case <-p.abort:
			p.finish(s, Result{Err: ErrClosed})
			continue
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.opts.SendTimeout)
		receipt, err := p.producer.Send(ctx, p.opts.Topic, []byte(s.text))
		cancel()

		p.finish(s, Result{Receipt: receipt, Err: err})
	}
}

func (p *Publisher) finish(s submission, r Result) {
	if r.Err != nil {
		metrics.Published.WithLabelValues("failed").Inc()
		p.logger.Error().Err(r.Err).Msg("failed to send message")
	} else {
		metrics.Published.WithLabelValues("sent").Inc()
		p.logger.Info().
			Str("topic", r.Receipt.Topic).
			Int32("partition", r.Receipt.Partition).
			Int64("offset", r.Receipt.Offset).
			Msg("message sent")
	}
	s.result <- r
}

// Close stops accepting submissions, sends everything already queued and
// then closes the producer. If ctx ends first, submissions still queued fail
// with ErrClosed and Close returns the context error once the send in flight
// has returned.
func (p *Publisher) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		select {
		case <-p.done:
		case <-ctx.Done():
			close(p.abort)
			<-p.done
			p.closeErr = ctx.Err()
		}

		if err := p.producer.Close(); err != nil {
			p.closeErr = errors.Join(p.closeErr, err)
		}
		p.logger.Info().Msg("publisher closed")
	})
	return p.closeErr
}
