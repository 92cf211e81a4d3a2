// Package engine drives playbook executions: the step loop, the control
// state machine and nested playbook runs.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/playbookd/internal/bounded"
	"github.com/rendis/playbookd/internal/expressions"
	"github.com/rendis/playbookd/internal/handlers"
	"github.com/rendis/playbookd/internal/logging"
	"github.com/rendis/playbookd/pkg/schema"
)

// Engine defaults.
const (
	DefaultStepTimeout     = 300 * time.Second
	DefaultRetryDelay      = time.Second
	DefaultMaxNestingDepth = 5
)

// Config holds engine tunables. Zero values select the defaults.
type Config struct {
	PollIncrement      time.Duration // cancellation check granularity
	DefaultStepTimeout time.Duration // per-attempt timeout for steps that set none
	RetryDelay         time.Duration // inter-retry delay for steps that set none
	MaxNestingDepth    int           // deepest allowed playbook.run chain
}

func (c Config) withDefaults() Config {
	if c.PollIncrement <= 0 {
		c.PollIncrement = bounded.DefaultIncrement
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = DefaultStepTimeout
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	} else if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxNestingDepth <= 0 {
		c.MaxNestingDepth = DefaultMaxNestingDepth
	}
	return c
}

// PlaybookSource resolves playbooks by name for playbook.run.
type PlaybookSource interface {
	Get(name string) (*schema.Playbook, error)
}

// Persister stores execution snapshots. It is called after every step and
// every status change.
type Persister interface {
	SaveExecution(ctx context.Context, state *schema.ExecutionState) error
}

// Engine runs playbooks. One Engine serves any number of concurrent
// executions; each execution is driven by the goroutine that calls Execute.
type Engine struct {
	cfg       Config
	registry  *handlers.Registry
	resolver  *expressions.Resolver
	playbooks PlaybookSource
	persister Persister
	hooks     Hooks
	logger    *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithPlaybookSource enables playbook.run lookups.
func WithPlaybookSource(src PlaybookSource) Option {
	return func(e *Engine) { e.playbooks = src }
}

// WithPersister sets where snapshots are written.
func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persister = p }
}

// WithHooks sets the progress callbacks.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine dispatching through registry and resolving step
// parameters with resolver.
func New(registry *handlers.Registry, resolver *expressions.Resolver, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg.withDefaults(),
		registry: registry,
		resolver: resolver,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.resolver == nil {
		e.resolver = expressions.NewResolver(nil)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// BindSubPlaybooks wires h to this engine.
func (e *Engine) BindSubPlaybooks(h *handlers.PlaybookRunHandler) {
	h.Bind(e.RunSubPlaybook)
}

// RunOptions are per-execution settings.
type RunOptions struct {
	ExecutionID       string // generated when empty
	DebugMode         bool
	ParentExecutionID string
}

// Prepare validates inputs and builds a PENDING execution without running it.
func (e *Engine) Prepare(ctx context.Context, pb *schema.Playbook, params map[string]any, opts RunOptions) (*Execution, error) {
	if pb == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "playbook is nil")
	}
	merged, err := mergeParameters(pb, params)
	if err != nil {
		return nil, err
	}
	id := opts.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	state := &schema.ExecutionState{
		ExecutionID:       id,
		PlaybookName:      pb.Name,
		PlaybookVersion:   pb.Version,
		Status:            schema.StatusPending,
		TotalSteps:        len(pb.Steps),
		Variables:         map[string]any{},
		Parameters:        merged,
		StepResults:       []schema.StepResult{},
		DebugMode:         opts.DebugMode,
		ParentExecutionID: opts.ParentExecutionID,
		Depth:             depthFrom(ctx),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return newExecution(pb, state, e.cfg.PollIncrement), nil
}

// Run prepares and executes pb on the calling goroutine.
func (e *Engine) Run(ctx context.Context, pb *schema.Playbook, params map[string]any, opts RunOptions) (*schema.ExecutionState, error) {
	x, err := e.Prepare(ctx, pb, params, opts)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, x)
}

// Execute drives x to a terminal status and returns the final snapshot.
// Step failures are reported through the FAILED status, never as an error;
// the only error returned for a started execution is CANCELLED.
func (e *Engine) Execute(ctx context.Context, x *Execution) (*schema.ExecutionState, error) {
	if !x.started.CompareAndSwap(false, true) {
		return x.Snapshot(), schema.NewErrorf(schema.ErrCodeConflict, "execution %s already started", x.ID())
	}

	var depth int
	x.read(func(s *schema.ExecutionState) { depth = s.Depth })
	ctx = withDepth(ctx, depth)
	ctx = logging.WithExecutionID(ctx, x.ID())
	ctx = logging.WithPlaybook(ctx, x.playbook.Ref())

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	x.sm.Bind(cancel)

	err := e.loop(execCtx, x)
	x.finish(err)
	return x.Snapshot(), err
}

func (e *Engine) loop(ctx context.Context, x *Execution) error {
	// Persistence and hooks must still run after cancellation.
	bg := context.WithoutCancel(ctx)
	steps := x.playbook.Steps
	debug := x.Snapshot().DebugMode

	if x.sm.CancelRequested() || ctx.Err() != nil {
		return e.finishCancelled(bg, x)
	}
	if err := e.transition(bg, x, schema.StatusRunning); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "execution started", "steps", len(steps), "debug", debug)

	for {
		if x.sm.CancelRequested() || ctx.Err() != nil {
			return e.finishCancelled(bg, x)
		}
		if x.sm.Take(schema.SignalPause) && x.Status() == schema.StatusRunning {
			if err := e.transition(bg, x, schema.StatusPaused); err != nil {
				return err
			}
		}

		if x.Status() == schema.StatusPaused {
			e.logger.InfoContext(ctx, "execution paused", "step_index", x.index())
			sig, err := x.sm.AwaitResume(ctx)
			if err != nil {
				return e.finishCancelled(bg, x)
			}
			if err := e.transition(bg, x, schema.StatusRunning); err != nil {
				return err
			}
			e.logger.InfoContext(ctx, "execution resumed", "signal", string(sig), "step_index", x.index())
			switch sig {
			case schema.SignalSkip:
				if err := e.skipCurrent(bg, x, debug); err != nil {
					return err
				}
				continue
			case schema.SignalSkipBack:
				e.stepBack(ctx, x)
				continue
			}
		}

		index := x.index()
		if index >= len(steps) {
			return e.complete(bg, x)
		}

		if x.sm.Take(schema.SignalSkip) {
			if err := e.skipCurrent(bg, x, debug); err != nil {
				return err
			}
			continue
		}

		step := &steps[index]
		result, cancelled := e.runStep(ctx, x, step)
		failed := result.Outcome == schema.OutcomeFailure
		abort := failed && step.FailurePolicy() == schema.OnFailureAbort
		e.record(bg, x, result, func(s *schema.ExecutionState) {
			if !cancelled && !abort {
				s.CurrentStepIndex = index + 1
			}
		})
		if cancelled {
			return e.finishCancelled(bg, x)
		}
		if abort {
			return e.fail(bg, x, result.Error)
		}
		if failed {
			e.logger.WarnContext(logging.WithStepID(ctx, step.ID), "step failed, continuing",
				"error", result.Error.Error())
		}

		if debug {
			if err := e.transition(bg, x, schema.StatusPaused); err != nil {
				return err
			}
		}
	}
}

// runStep resolves and dispatches one step. cancelled reports whether the
// execution context ended while the step ran.
func (e *Engine) runStep(ctx context.Context, x *Execution, step *schema.Step) (schema.StepResult, bool) {
	ctx = logging.WithStepID(ctx, step.ID)
	result := schema.StepResult{
		StepID:    step.ID,
		StepType:  step.Type,
		StartedAt: time.Now().UTC(),
	}
	e.stepStarted(context.WithoutCancel(ctx), x, step)
	e.logger.InfoContext(ctx, "step started", "type", step.Type, "index", x.index())

	// Top-level copies keep abandoned handler goroutines off the live maps.
	var scope expressions.Scope
	x.read(func(s *schema.ExecutionState) {
		scope = expressions.Scope{Variables: maps.Clone(s.Variables), Parameters: maps.Clone(s.Parameters)}
	})

	fail := func(err error, attempts int) (schema.StepResult, bool) {
		engErr := schema.AsEngineError(err)
		if engErr.StepID == "" {
			cp := *engErr
			engErr = cp.WithStep(step.ID)
		}
		result.Outcome = schema.OutcomeFailure
		result.Error = engErr
		result.Attempts = attempts
		result.CompletedAt = time.Now().UTC()
		cancelled := ctx.Err() != nil
		if cancelled {
			e.logger.InfoContext(ctx, "step cancelled", "attempts", attempts)
		} else {
			e.logger.WarnContext(ctx, "step failed", "code", engErr.Code, "error", engErr.Message, "attempts", attempts)
		}
		return result, cancelled
	}

	params, err := e.resolver.Resolve(ctx, step.Params, scope)
	if err != nil {
		return fail(err, 0)
	}

	out, attempts, err := e.registry.Dispatch(ctx, handlers.Call{
		ExecutionID: x.ID(),
		StepID:      step.ID,
		Type:        step.Type,
		Params:      params,
		Variables:   scope.Variables,
		Parameters:  scope.Parameters,
		Timeout:     step.TimeoutOr(e.cfg.DefaultStepTimeout),
		RetryCount:  step.RetryCount,
		RetryDelay:  step.RetryDelayOr(e.cfg.RetryDelay),
		Backoff:     step.Backoff,
		OnRetry: func(attempt int, err error) {
			e.logger.WarnContext(ctx, "step attempt failed, retrying", "attempt", attempt, "error", err.Error())
			e.stepRetrying(context.WithoutCancel(ctx), x, step, attempt, err)
		},
	})
	if err != nil {
		return fail(err, attempts)
	}
	if err := encodable(out); err != nil {
		return fail(schema.NewError(schema.ErrCodeValidation, "step output cannot be stored as JSON").WithCause(err), attempts)
	}

	result.Outcome = schema.OutcomeSuccess
	result.Output = out.Data
	result.Attempts = attempts
	result.CompletedAt = time.Now().UTC()
	if len(out.Variables) > 0 {
		x.update(func(s *schema.ExecutionState) { maps.Copy(s.Variables, out.Variables) })
	}
	e.logger.InfoContext(ctx, "step completed", "attempts", attempts, "duration_ms", result.Duration().Milliseconds())
	return result, false
}

// record appends result, persists, then fires the completion hook.
func (e *Engine) record(ctx context.Context, x *Execution, result schema.StepResult, extra func(s *schema.ExecutionState)) {
	x.update(func(s *schema.ExecutionState) {
		s.StepResults = append(s.StepResults, result)
		s.UpdatedAt = time.Now().UTC()
		extra(s)
	})
	e.persist(ctx, x)
	e.stepCompleted(ctx, x, result)
}

func (e *Engine) skipCurrent(ctx context.Context, x *Execution, debug bool) error {
	index := x.index()
	if index >= len(x.playbook.Steps) {
		return nil
	}
	step := &x.playbook.Steps[index]
	now := time.Now().UTC()
	e.record(ctx, x, schema.StepResult{
		StepID:      step.ID,
		StepType:    step.Type,
		Outcome:     schema.OutcomeSkipped,
		StartedAt:   now,
		CompletedAt: now,
	}, func(s *schema.ExecutionState) { s.CurrentStepIndex = index + 1 })
	e.logger.InfoContext(logging.WithStepID(ctx, step.ID), "step skipped")

	if debug {
		return e.transition(ctx, x, schema.StatusPaused)
	}
	return nil
}

func (e *Engine) stepBack(ctx context.Context, x *Execution) {
	var from, to int
	x.update(func(s *schema.ExecutionState) {
		from = s.CurrentStepIndex
		to = max(s.CurrentStepIndex-1, 0)
		s.CurrentStepIndex = to
	})
	e.logger.InfoContext(ctx, "stepped back", "from", from, "to", to)
}

func (e *Engine) complete(ctx context.Context, x *Execution) error {
	if err := e.transition(ctx, x, schema.StatusCompleted); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "execution completed")
	return nil
}

func (e *Engine) fail(ctx context.Context, x *Execution, cause *schema.EngineError) error {
	x.update(func(s *schema.ExecutionState) { s.Error = cause })
	if err := e.transition(ctx, x, schema.StatusFailed); err != nil {
		return err
	}
	e.logger.WarnContext(ctx, "execution failed", "step_id", cause.StepID, "error", cause.Message)
	return nil
}

func (e *Engine) finishCancelled(ctx context.Context, x *Execution) error {
	cancelErr := schema.NewErrorf(schema.ErrCodeCancelled, "execution %s cancelled", x.ID())
	x.update(func(s *schema.ExecutionState) { s.Error = cancelErr })
	if err := e.transition(ctx, x, schema.StatusCancelled); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "execution cancelled", "step_index", x.index())
	return cancelErr
}

func (e *Engine) transition(ctx context.Context, x *Execution, to schema.ExecutionStatus) error {
	from, err := x.sm.Transition(to)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	x.update(func(s *schema.ExecutionState) {
		s.UpdatedAt = now
		if to == schema.StatusRunning && s.StartedAt == nil {
			s.StartedAt = &now
		}
		if to.IsTerminal() {
			s.CompletedAt = &now
		}
	})
	e.persist(ctx, x)
	e.statusChanged(ctx, x, from, to)
	return nil
}

// encodable rejects outputs the store cannot encode, such as NaN or
// infinite floats.
func encodable(out *handlers.StepOutput) error {
	if _, err := json.Marshal(out.Data); err != nil {
		return err
	}
	_, err := json.Marshal(out.Variables)
	return err
}

// persist stores the current snapshot. A failure is logged and kept on the
// live state as PersistError until a later save succeeds.
func (e *Engine) persist(ctx context.Context, x *Execution) {
	if e.persister == nil {
		return
	}
	err := e.persister.SaveExecution(ctx, x.Snapshot())
	if err != nil {
		e.logger.ErrorContext(ctx, "persist execution failed", "error", err)
		x.update(func(s *schema.ExecutionState) {
			s.PersistError = schema.NewError(schema.ErrCodeStore, "persist execution: "+err.Error()).WithCause(err)
		})
		return
	}
	x.update(func(s *schema.ExecutionState) { s.PersistError = nil })
}

// RunSubPlaybook runs a child playbook on ctx, which is the parent step's
// attempt context. It satisfies handlers.SubPlaybookRunner.
func (e *Engine) RunSubPlaybook(ctx context.Context, req handlers.SubPlaybookRequest) (*handlers.SubPlaybookResult, error) {
	if e.playbooks == nil {
		return nil, schema.NewError(schema.ErrCodeHandlerUnavailable, "playbook.run: no playbook source configured")
	}
	depth := depthFrom(ctx) + 1
	if depth > e.cfg.MaxNestingDepth {
		return nil, schema.NewErrorf(schema.ErrCodeRecursionLimit,
			"playbook %q would nest %d levels deep; limit is %d", req.Playbook, depth, e.cfg.MaxNestingDepth).
			WithDetails(map[string]any{"playbook": req.Playbook, "depth": depth, "max_depth": e.cfg.MaxNestingDepth})
	}
	pb, err := e.playbooks.Get(req.Playbook)
	if err != nil {
		return nil, err
	}

	childCtx := withDepth(ctx, depth)
	x, err := e.Prepare(childCtx, pb, req.Parameters, RunOptions{ParentExecutionID: req.ParentExecutionID})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "starting sub-playbook", "child_execution_id", x.ID(), "child_playbook", pb.Ref(), "depth", depth)

	state, err := e.Execute(childCtx, x)
	if err != nil && ctx.Err() != nil {
		return nil, err
	}
	return &handlers.SubPlaybookResult{
		ExecutionID: state.ExecutionID,
		Status:      state.Status,
		Variables:   state.Variables,
		Error:       state.Error,
	}, nil
}

func (x *Execution) index() int {
	var i int
	x.read(func(s *schema.ExecutionState) { i = s.CurrentStepIndex })
	return i
}

// mergeParameters overlays caller inputs on declared defaults and checks
// that every required parameter is present.
func mergeParameters(pb *schema.Playbook, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(pb.Parameters)+len(params))
	for _, def := range pb.Parameters {
		if def.Default != nil {
			out[def.Name] = def.Default
		}
	}
	maps.Copy(out, params)

	var missing []string
	for _, def := range pb.Parameters {
		if _, ok := out[def.Name]; def.Required && !ok {
			missing = append(missing, def.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"playbook %s: missing required parameters: %s", pb.Name, strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing": missing})
	}
	return out, nil
}

type depthKey struct{}

func withDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

func depthFrom(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}
