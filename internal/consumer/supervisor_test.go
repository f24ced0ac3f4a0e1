package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"message-relay/internal/messaging/messagingtest"
)

func loopFactory(b *messagingtest.Broker, store Appender, built *atomic.Int32) Factory {
	return func() (*Loop, error) {
		built.Add(1)
		return NewLoop(b.Consumer(0), store, Options{
			Topic:       topic,
			Group:       group,
			PollTimeout: 10 * time.Millisecond,
		}, zerolog.Nop())
	}
}

func TestSupervisorRestartsFailedLoop(t *testing.T) {
	b := messagingtest.NewBroker()
	b.FailPolls(errors.New("connection reset"))

	store := &memStore{}
	var built atomic.Int32
	s := NewSupervisor(loopFactory(b, store, &built), SupervisorOptions{
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}, zerolog.Nop())

	go s.Run(context.Background())

	require.Eventually(t, func() bool { return s.Restarts() >= 2 }, 2*time.Second, 5*time.Millisecond)

	// broker recovers, the next loop consumes normally
	b.FailPolls(nil)
	publish(t, b, "Ada")
	require.Eventually(t, func() bool { return len(store.Texts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, built.Load(), int32(3))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, Stopped, s.Current().State())
}

func TestSupervisorRetriesFactoryErrors(t *testing.T) {
	var calls atomic.Int32
	s := NewSupervisor(func() (*Loop, error) {
		calls.Add(1)
		return nil, errors.New("broker down")
	}, SupervisorOptions{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, zerolog.Nop())

	go s.Run(context.Background())
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Nil(t, s.Current())
}

func TestSupervisorStopBeforeRun(t *testing.T) {
	b := messagingtest.NewBroker()
	var built atomic.Int32
	s := NewSupervisor(loopFactory(b, &memStore{}, &built), SupervisorOptions{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() { _ = s.Stop(ctx) }()
	time.Sleep(10 * time.Millisecond)
	s.Run(context.Background())

	assert.Zero(t, built.Load())
}

func TestSupervisorStopIsBounded(t *testing.T) {
	b := messagingtest.NewBroker()
	var built atomic.Int32
	s := NewSupervisor(loopFactory(b, &memStore{}, &built), SupervisorOptions{}, zerolog.Nop())

	// never run: nothing will close done
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}
