package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/playbookd/pkg/schema"
)

// Hooks are progress callbacks for presentation layers. Every field is
// optional. Callbacks run on the engine goroutine and receive snapshots.
type Hooks struct {
	OnStepStarted   func(ctx context.Context, state *schema.ExecutionState, step *schema.Step)
	OnStepCompleted func(ctx context.Context, state *schema.ExecutionState, result *schema.StepResult)
	OnStepRetrying  func(ctx context.Context, state *schema.ExecutionState, step *schema.Step, attempt int, err error)
	OnStatusChanged func(ctx context.Context, state *schema.ExecutionState, from, to schema.ExecutionStatus)
}

// MergeHooks fans every callback out to each non-nil hook set in order.
func MergeHooks(sets ...Hooks) Hooks {
	return Hooks{
		OnStepStarted: func(ctx context.Context, state *schema.ExecutionState, step *schema.Step) {
			for _, h := range sets {
				if h.OnStepStarted != nil {
					h.OnStepStarted(ctx, state, step)
				}
			}
		},
		OnStepCompleted: func(ctx context.Context, state *schema.ExecutionState, result *schema.StepResult) {
			for _, h := range sets {
				if h.OnStepCompleted != nil {
					h.OnStepCompleted(ctx, state, result)
				}
			}
		},
		OnStepRetrying: func(ctx context.Context, state *schema.ExecutionState, step *schema.Step, attempt int, err error) {
			for _, h := range sets {
				if h.OnStepRetrying != nil {
					h.OnStepRetrying(ctx, state, step, attempt, err)
				}
			}
		},
		OnStatusChanged: func(ctx context.Context, state *schema.ExecutionState, from, to schema.ExecutionStatus) {
			for _, h := range sets {
				if h.OnStatusChanged != nil {
					h.OnStatusChanged(ctx, state, from, to)
				}
			}
		},
	}
}

// guard keeps a misbehaving hook from taking down the engine goroutine.
func guard(ctx context.Context, logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}

func (e *Engine) stepStarted(ctx context.Context, x *Execution, step *schema.Step) {
	if e.hooks.OnStepStarted == nil {
		return
	}
	guard(ctx, e.logger, "step_started", func() { e.hooks.OnStepStarted(ctx, x.Snapshot(), step) })
}

func (e *Engine) stepCompleted(ctx context.Context, x *Execution, result schema.StepResult) {
	if e.hooks.OnStepCompleted == nil {
		return
	}
	guard(ctx, e.logger, "step_completed", func() { e.hooks.OnStepCompleted(ctx, x.Snapshot(), &result) })
}

func (e *Engine) stepRetrying(ctx context.Context, x *Execution, step *schema.Step, attempt int, err error) {
	if e.hooks.OnStepRetrying == nil {
		return
	}
	guard(ctx, e.logger, "step_retrying", func() { e.hooks.OnStepRetrying(ctx, x.Snapshot(), step, attempt, err) })
}

func (e *Engine) statusChanged(ctx context.Context, x *Execution, from, to schema.ExecutionStatus) {
	if e.hooks.OnStatusChanged == nil {
		return
	}
	guard(ctx, e.logger, "status_changed", func() { e.hooks.OnStatusChanged(ctx, x.Snapshot(), from, to) })
}
