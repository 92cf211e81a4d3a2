package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rendis/playbookd/internal/store"
	"github.com/rendis/playbookd/pkg/schema"
)

// ExecutionStore is the slice of the store the manager needs.
type ExecutionStore interface {
	Persister
	GetExecution(ctx context.Context, id string) (*schema.ExecutionState, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*schema.ExecutionState, error)
}

// StartRequest describes an execution to start.
type StartRequest struct {
	Playbook    string         `json:"playbook"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	DebugMode   bool           `json:"debug_mode,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
}

// Manager starts executions in the background and routes control signals
// to them. Executions outlive the request that started them; they end on
// their own or when the manager shuts down.
type Manager struct {
	engine   *Engine
	registry *ExecutionRegistry
	pool     *ExecutionPool
	store    ExecutionStore
	logger   *slog.Logger

	base context.Context
	stop context.CancelFunc
}

// NewManager creates a manager running at most poolSize executions at once.
// st may be nil, in which case only active executions are visible.
func NewManager(eng *Engine, st ExecutionStore, registry *ExecutionRegistry, poolSize int, logger *slog.Logger) *Manager {
	if registry == nil {
		registry = NewExecutionRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		engine:   eng,
		registry: registry,
		pool:     NewExecutionPool(poolSize, logger),
		store:    st,
		logger:   logger,
		base:     base,
		stop:     stop,
	}
}

// Engine returns the engine executions run on.
func (m *Manager) Engine() *Engine { return m.engine }

// Registry returns the active execution registry.
func (m *Manager) Registry() *ExecutionRegistry { return m.registry }

// PoolMetrics returns the execution pool counters.
func (m *Manager) PoolMetrics() PoolMetrics { return m.pool.Metrics() }

// Start looks up the playbook by name and starts it.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Execution, error) {
	if m.engine.playbooks == nil {
		return nil, schema.NewError(schema.ErrCodeHandlerUnavailable, "no playbook source configured")
	}
	pb, err := m.engine.playbooks.Get(req.Playbook)
	if err != nil {
		return nil, err
	}
	return m.StartPlaybook(ctx, pb, req.Parameters, RunOptions{
		ExecutionID: req.ExecutionID,
		DebugMode:   req.DebugMode,
	})
}

// StartPlaybook starts pb on the pool and returns its live handle. It blocks
// while the pool is full; ctx bounds only that wait. A start the pool does
// not admit is never persisted.
func (m *Manager) StartPlaybook(ctx context.Context, pb *schema.Playbook, params map[string]any, opts RunOptions) (*Execution, error) {
	if opts.ExecutionID != "" && m.store != nil {
		if _, err := m.store.GetExecution(ctx, opts.ExecutionID); err == nil {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", opts.ExecutionID)
		}
	}
	x, err := m.engine.Prepare(m.base, pb, params, opts)
	if err != nil {
		return nil, err
	}
	if err := m.registry.Add(x); err != nil {
		return nil, err
	}

	// The snapshot is stored only once the pool admits the execution, so a
	// rejected start leaves no row behind and its id stays free.
	err = m.pool.Submit(ctx, x.ID(), func() error {
		defer m.registry.Remove(x.ID())
		m.engine.persist(context.WithoutCancel(m.base), x)
		_, err := m.engine.Execute(m.base, x)
		return err
	})
	if err != nil {
		m.registry.Remove(x.ID())
		if errors.Is(err, ErrPoolShutdown) {
			return nil, schema.NewError(schema.ErrCodeConflict, "execution manager is shutting down").WithCause(err)
		}
		return nil, schema.AsEngineError(err)
	}
	m.logger.InfoContext(ctx, "execution submitted", "execution_id", x.ID(), "playbook", pb.Ref())
	return x, nil
}

// Signal delivers sig to an active execution. Finished executions answer
// INVALID_TRANSITION, except that cancelling a cancelled one is a no-op.
func (m *Manager) Signal(ctx context.Context, id string, sig schema.ControlSignal) error {
	if x, ok := m.registry.Get(id); ok {
		if err := x.Signal(sig); err != nil {
			return err
		}
		m.logger.InfoContext(ctx, "signal delivered", "execution_id", id, "signal", string(sig))
		return nil
	}

	st, err := m.stored(ctx, id)
	if err != nil {
		return err
	}
	if sig == schema.SignalCancel && st.Status == schema.StatusCancelled {
		return nil
	}
	if st.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot %s: execution is %s", sig, st.Status)
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"execution %s is %s but not active in this process", id, st.Status).
		WithDetails(map[string]any{"status": string(st.Status)})
}

// Status returns the current snapshot of an execution, live or stored.
func (m *Manager) Status(ctx context.Context, id string) (*schema.ExecutionState, error) {
	if x, ok := m.registry.Get(id); ok {
		return x.Snapshot(), nil
	}
	return m.stored(ctx, id)
}

// Wait blocks until the execution finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (*schema.ExecutionState, error) {
	if x, ok := m.registry.Get(id); ok {
		return x.Wait(ctx)
	}
	return m.stored(ctx, id)
}

// Active returns snapshots of every in-flight execution.
func (m *Manager) Active() []*schema.ExecutionState {
	execs := m.registry.List()
	out := make([]*schema.ExecutionState, 0, len(execs))
	for _, x := range execs {
		out = append(out, x.Snapshot())
	}
	return out
}

// List returns stored executions matching filter, with live snapshots
// substituted for executions still running.
func (m *Manager) List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.ExecutionState, error) {
	if m.store == nil {
		var out []*schema.ExecutionState
		for _, st := range m.Active() {
			if filter.Status != nil && st.Status != *filter.Status {
				continue
			}
			if filter.PlaybookName != "" && st.PlaybookName != filter.PlaybookName {
				continue
			}
			out = append(out, st)
		}
		return out, nil
	}

	list, err := m.store.ListExecutions(ctx, filter)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list executions").WithCause(err)
	}
	for i, st := range list {
		if x, ok := m.registry.Get(st.ExecutionID); ok {
			list[i] = x.Snapshot()
		}
	}
	return list, nil
}

// Shutdown cancels every active execution and waits for them to finish or
// for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, x := range m.registry.List() {
		_ = x.Cancel()
	}
	m.stop()

	done := make(chan struct{})
	go func() {
		m.pool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		m.logger.InfoContext(ctx, "execution manager stopped")
		return nil
	case <-ctx.Done():
		return schema.AsEngineError(ctx.Err())
	}
}

func (m *Manager) stored(ctx context.Context, id string) (*schema.ExecutionState, error) {
	if m.store == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	st, err := m.store.GetExecution(ctx, id)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
		return nil, schema.NewError(schema.ErrCodeStore, "load execution").WithCause(err)
	}
	return st, nil
}
