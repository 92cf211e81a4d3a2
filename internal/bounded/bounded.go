// Package bounded provides interruptible waiting and polling.
//
// Every wait is split into short increments so that a cancelled context is
// observed within one increment regardless of the total duration requested.
package bounded

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/playbookd/pkg/schema"
)

// DefaultIncrement is the granularity at which waits re-check cancellation.
const DefaultIncrement = 500 * time.Millisecond

type options struct {
	increment time.Duration
}

// Option customises Wait and Poll.
type Option func(*options)

// WithIncrement overrides the wait increment. Non-positive values are ignored.
func WithIncrement(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.increment = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{increment: DefaultIncrement}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Wait blocks for d, returning early with a CANCELLED error when ctx is
// cancelled or a TIMEOUT_ERROR when ctx's deadline passes first.
func Wait(ctx context.Context, d time.Duration, opts ...Option) error {
	if err := ctxError(ctx); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	o := buildOptions(opts)

	deadline := time.Now().Add(d)
	timer := time.NewTimer(min(o.increment, d))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctxError(ctx)
		case <-timer.C:
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		timer.Reset(min(o.increment, remaining))
	}
}

// Condition reports whether a polled state has been reached.
// A non-nil error aborts polling immediately.
type Condition func(ctx context.Context) (bool, error)

// Poll evaluates cond every interval until it returns true, the timeout
// elapses (TIMEOUT_ERROR), or ctx is cancelled (CANCELLED).
// A non-positive interval defaults to the wait increment.
func Poll(ctx context.Context, cond Condition, timeout, interval time.Duration, opts ...Option) error {
	o := buildOptions(opts)
	if interval <= 0 {
		interval = o.increment
	}

	start := time.Now()
	for attempt := 1; ; attempt++ {
		if err := ctxError(ctx); err != nil {
			return err
		}
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		elapsed := time.Since(start)
		if timeout > 0 && elapsed >= timeout {
			return schema.NewErrorf(schema.ErrCodeTimeout, "condition not met within %s", timeout).
				WithDetails(map[string]any{"checks": attempt, "timeout": timeout.String()})
		}

		sleep := interval
		if timeout > 0 {
			sleep = min(interval, timeout-elapsed)
		}
		if err := Wait(ctx, sleep, opts...); err != nil {
			return err
		}
	}
}

// ctxError maps ctx's state onto the engine taxonomy.
func ctxError(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "deadline exceeded during wait").WithCause(err)
	}
	return schema.NewError(schema.ErrCodeCancelled, "wait cancelled").WithCause(err)
}
