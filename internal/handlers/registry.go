package handlers

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rendis/playbookd/internal/bounded"
	"github.com/rendis/playbookd/pkg/schema"
)

// DefaultTimeout applies when a call carries no per-attempt timeout.
const DefaultTimeout = 300 * time.Second

// Registry is the thread-safe step type dispatch table.
// It is filled once at startup and read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	increment time.Duration
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithWaitIncrement sets the cancellation-check increment used for retry delays.
func WithWaitIncrement(d time.Duration) RegistryOption {
	return func(r *Registry) { r.increment = d }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		handlers:  make(map[string]Handler),
		increment: bounded.DefaultIncrement,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a handler. Returns CONFLICT on a duplicate type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	name := h.Type()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// RegisterAll registers each handler, stopping at the first error.
func (r *Registry) RegisterAll(hs ...Handler) error {
	for _, h := range hs {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a handler by step type.
func (r *Registry) Get(stepType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[stepType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerUnavailable, "no handler registered for step type %q", stepType)
	}
	return h, nil
}

// Has reports whether a step type is registered.
func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[stepType]
	return ok
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// List returns info for all registered handlers, sorted by type.
func (r *Registry) List() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.handlers))
	for name, h := range r.handlers {
		info := h.Describe()
		info.Type = name
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Dispatch runs the handler for call.Type with per-attempt timeout, retry
// and cancellation. It returns the output, the number of attempts made and
// the terminal error. Only STEP_EXECUTION_ERROR and TIMEOUT_ERROR are
// retried; a cancelled ctx always ends the loop with CANCELLED.
func (r *Registry) Dispatch(ctx context.Context, call Call) (*StepOutput, int, error) {
	h, err := r.Get(call.Type)
	if err != nil {
		return nil, 0, schema.AsEngineError(err).WithStep(call.StepID)
	}
	if err := h.Validate(call.Params); err != nil {
		return nil, 0, schema.AsEngineError(err).WithStep(call.StepID)
	}

	maxAttempts := max(call.RetryCount, 0) + 1
	for attempt := 1; ; attempt++ {
		out, err := r.attempt(ctx, h, call)
		if err == nil {
			return out, attempt, nil
		}
		if !IsRetryableError(err) || attempt >= maxAttempts {
			return nil, attempt, err
		}
		if call.OnRetry != nil {
			call.OnRetry(attempt, err)
		}
		delay := ComputeBackoff(call.Backoff, call.RetryDelay, attempt-1)
		if werr := bounded.Wait(ctx, delay, bounded.WithIncrement(r.increment)); werr != nil {
			return nil, attempt, schema.AsEngineError(werr).WithStep(call.StepID)
		}
	}
}

type attemptResult struct {
	out *StepOutput
	err error
}

// attempt runs the handler once in its own goroutine and races it against
// the attempt deadline, so a handler that ignores ctx cannot hold up
// cancellation. An abandoned handler finishes in the background.
func (r *Registry) attempt(ctx context.Context, h Handler, call Call) (*StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(ctx, ctx, err, call)
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- attemptResult{err: schema.NewErrorf(schema.ErrCodeStepExecution,
					"handler %s panicked: %v", call.Type, p).
					WithDetails(map[string]any{"stack": string(debug.Stack())})}
			}
		}()
		out, err := h.Execute(attemptCtx, call.input())
		done <- attemptResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, classify(ctx, attemptCtx, res.err, call)
		}
		if res.out == nil {
			res.out = &StepOutput{}
		}
		return res.out, nil
	case <-attemptCtx.Done():
		return nil, classify(ctx, attemptCtx, attemptCtx.Err(), call)
	}
}

// classify maps an attempt failure onto the taxonomy. Parent cancellation
// wins over everything, then the attempt deadline, then the handler's own code.
func classify(parent, attemptCtx context.Context, err error, call Call) *schema.EngineError {
	if parent.Err() != nil {
		return schema.NewErrorf(schema.ErrCodeCancelled, "step %s cancelled", call.StepID).
			WithCause(err).WithStep(call.StepID)
	}
	if attemptCtx.Err() != nil {
		return schema.NewErrorf(schema.ErrCodeTimeout, "step exceeded timeout of %s", effectiveTimeout(call)).
			WithCause(err).WithStep(call.StepID)
	}
	engErr := schema.AsEngineError(err)
	if engErr.StepID == "" {
		engErr = copyErr(engErr).WithStep(call.StepID)
	}
	return engErr
}

func effectiveTimeout(call Call) time.Duration {
	if call.Timeout <= 0 {
		return DefaultTimeout
	}
	return call.Timeout
}

// copyErr avoids mutating errors a handler may share between calls.
func copyErr(e *schema.EngineError) *schema.EngineError {
	cp := *e
	return &cp
}

// String renders a call for logs.
func (c Call) String() string {
	return fmt.Sprintf("%s(%s)", c.Type, c.StepID)
}
