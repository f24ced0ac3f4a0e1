// internal/consumer/supervisor.go
package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"message-relay/internal/metrics"
)

// Factory builds a fresh, subscribed Loop. Loops cannot be restarted, so the
// supervisor asks for a new one after every failure.
type Factory func() (*Loop, error)

type SupervisorOptions struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Supervisor keeps one Loop running, restarting it with exponential backoff
// bounded by MaxBackoff whenever it fails.
type Supervisor struct {
	factory Factory
	opts    SupervisorOptions
	logger  zerolog.Logger

	mu       sync.Mutex
	current  *Loop
	stop     chan struct{}
	stopped  bool
	done     chan struct{}
	restarts int
}

func NewSupervisor(factory Factory, opts SupervisorOptions, logger zerolog.Logger) *Supervisor {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}
	return &Supervisor{
		factory: factory,
		opts:    opts,
		logger:  logger.With().Str("component", "supervisor").Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run blocks until Stop is called or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.MinBackoff
	b.MaxInterval = s.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		loop, err := s.factory()
		if err != nil {
			delay := b.NextBackOff()
			s.logger.Error().Err(err).Dur("backoff", delay).Msg("failed to build consumer loop")
			if !s.sleep(ctx, delay) {
				return
			}
			continue
		}

		if !s.track(loop) {
			loop.RequestStop()
		}

		started := time.Now()
		err = loop.Run(ctx)
		if err == nil {
			return
		}

		// a loop that stayed up for a while starts the backoff over
		if time.Since(started) > s.opts.MaxBackoff {
			b.Reset()
		}
		delay := b.NextBackOff()

		s.mu.Lock()
		s.restarts++
		n := s.restarts
		s.mu.Unlock()
		metrics.ConsumerRestarts.Inc()

		s.logger.Warn().Err(err).Int("restart", n).Dur("backoff", delay).Msg("consumer loop failed, restarting")
		if !s.sleep(ctx, delay) {
			return
		}
	}
}

// track records loop as current and reports false if a stop already began.
func (s *Supervisor) track(loop *Loop) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = loop
	return !s.stopped
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Current returns the loop being supervised, nil before the first start.
func (s *Supervisor) Current() *Loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Restarts returns how many times a failed loop was replaced.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Stop requests a stop of the current loop and waits, bounded by ctx, for
// the supervisor to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
	cur := s.current
	s.mu.Unlock()

	if cur != nil {
		cur.RequestStop()
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
