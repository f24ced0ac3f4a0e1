// Package shutdown runs teardown steps in a fixed order on termination.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Step is one named teardown action. Fn must honour ctx.
type Step struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Coordinator runs its steps in registration order. Every step gets its own
// timeout and a failing or hung step never prevents the next one from
// running, so total shutdown time is bounded by the sum of the timeouts.
type Coordinator struct {
	steps       []Step
	stepTimeout time.Duration
	logger      zerolog.Logger
}

func NewCoordinator(stepTimeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		stepTimeout: stepTimeout,
		logger:      logger.With().Str("component", "shutdown").Logger(),
	}
}

// Add appends a step to run after those already registered.
func (c *Coordinator) Add(name string, fn func(ctx context.Context) error) {
	c.steps = append(c.steps, Step{Name: name, Fn: fn})
}

// Run executes every step and returns the joined failures.
func (c *Coordinator) Run(ctx context.Context) error {
	var errs []error
	for _, step := range c.steps {
		start := time.Now()
		err := c.runStep(ctx, step)
		if err != nil {
			c.logger.Error().Err(err).Str("step", step.Name).Dur("took", time.Since(start)).Msg("shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
			continue
		}
		c.logger.Info().Str("step", step.Name).Dur("took", time.Since(start)).Msg("shutdown step done")
	}
	return errors.Join(errs...)
}

// runStep gives up on a step that ignores its context once the timeout has
// passed; the step's goroutine is abandoned.
func (c *Coordinator) runStep(parent context.Context, step Step) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.stepTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("panic: %v", r)
			}
		}()
		errc <- step.Fn(ctx)
	}()

	select {
	case err = <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
