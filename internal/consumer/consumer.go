// internal/consumer/consumer.go
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"message-relay/internal/messaging"
	"message-relay/internal/metrics"
	"message-relay/internal/model"
)

// State of a Loop. Transitions only move forward.
type State int32

const (
	Running State = iota
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrAlreadyRun is returned when Run is called on a loop that has run before.
var ErrAlreadyRun = errors.New("consumer loop already run")

// Appender persists one record's text.
type Appender interface {
	Append(ctx context.Context, text string) (int64, error)
}

type Options struct {
	Topic         string
	Group         string
	PollTimeout   time.Duration
	AppendTimeout time.Duration
}

// Loop polls one topic under a consumer group and appends every record to
// the store, in delivery order.
//
// Offsets are committed only after the records they cover are persisted:
// once per drained poll batch and once more on exit. A crash between an
// append and its commit redelivers the record, so the store may hold
// duplicates but never silently misses a record. A record whose append fails
// is rejected to the group's dead-letter queue and the loop moves on.
type Loop struct {
	client messaging.Consumer
	store  Appender
	opts   Options
	logger zerolog.Logger

	state    atomic.Int32
	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// NewLoop subscribes client and returns a loop in the Running state. The
// loop owns client from here on and closes it when it stops.
func NewLoop(client messaging.Consumer, store Appender, opts Options, logger zerolog.Logger) (*Loop, error) {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = 5 * time.Second
	}

	if err := client.Subscribe(opts.Topic, opts.Group); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("subscribe %s as %s: %w", opts.Topic, opts.Group, err)
	}

	l := &Loop{
		client: client,
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "consumer").Str("topic", opts.Topic).Str("group", opts.Group).Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	l.state.Store(int32(Running))
	return l, nil
}

// State reports the loop's current state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// RequestStop asks the loop to stop at its next checkpoint. It never waits
// and is safe to call any number of times from any goroutine.
func (l *Loop) RequestStop() {
	l.stopOnce.Do(func() {
		l.state.CompareAndSwap(int32(Running), int32(Stopping))
		close(l.stop)
	})
}

// Done is closed once the loop is Stopped and its client is closed.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Err returns the failure that ended the loop. Valid after Done is closed.
func (l *Loop) Err() error {
	<-l.done
	return l.err
}

// Wait blocks until the loop is Stopped or ctx ends.
func (l *Loop) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes until stop is requested, ctx is cancelled, or polling fails.
// Cancelling ctx is a stop request: it does not abort a poll or an append in
// progress. Run returns nil after a requested stop and the failure otherwise;
// the loop never restarts itself.
func (l *Loop) Run(ctx context.Context) (err error) {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	var (
		pending       []model.StreamRecord
		lastPersisted int64
		uncommitted   bool
	)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer loop panic: %v", r)
		}
		if err == nil && uncommitted {
			err = l.commit(lastPersisted)
		}
		l.state.Store(int32(Stopped))
		if cerr := l.client.Close(); cerr != nil {
			l.logger.Warn().Err(cerr).Msg("failed to close stream client")
		}
		l.err = err
		close(l.done)

		if err != nil {
			l.logger.Error().Err(err).Msg("consumer loop terminated")
		} else {
			l.logger.Info().Msg("consumer loop stopped")
		}
	}()

	// stop requests must not cut a poll or an append short
	workCtx := context.WithoutCancel(ctx)

	l.logger.Info().Msg("consumer loop running")
	for {
		select {
		case <-l.stop:
			return nil
		case <-ctx.Done():
			l.RequestStop()
			return nil
		default:
		}

		if len(pending) == 0 {
			if uncommitted {
				if err := l.commit(lastPersisted); err != nil {
					return err
				}
				uncommitted = false
			}

			records, err := l.client.Poll(workCtx, l.opts.PollTimeout)
			if err != nil {
				return fmt.Errorf("poll %s: %w", l.opts.Topic, err)
			}
			pending = records
			continue
		}

		rec := pending[0]
		pending = pending[1:]

		ok, err := l.persist(workCtx, rec)
		if err != nil {
			return err
		}
		if ok {
			lastPersisted = rec.Offset
			uncommitted = true
		}
	}
}

// persist appends one record. A failed append is logged and the record
// rejected; only a failed rejection is returned.
func (l *Loop) persist(ctx context.Context, rec model.StreamRecord) (bool, error) {
	actx, cancel := context.WithTimeout(ctx, l.opts.AppendTimeout)
	defer cancel()

	id, err := l.store.Append(actx, rec.Text)
	if err != nil {
		metrics.Consumed.WithLabelValues("failed").Inc()
		l.logger.Error().
			Err(err).
			Int32("partition", rec.Partition).
			Int64("offset", rec.Offset).
			Msg("failed to persist message, dead-lettering")
		if rerr := l.client.Reject(rec.Offset); rerr != nil {
			return false, fmt.Errorf("reject offset %d: %w", rec.Offset, rerr)
		}
		return false, nil
	}

	metrics.Consumed.WithLabelValues("persisted").Inc()
	l.logger.Debug().
		Int32("partition", rec.Partition).
		Int64("offset", rec.Offset).
		Int64("id", id).
		Msg("message persisted")
	return true, nil
}

func (l *Loop) commit(offset int64) error {
	if err := l.client.Commit(offset); err != nil {
		return fmt.Errorf("commit offset %d: %w", offset, err)
	}
	return nil
}
