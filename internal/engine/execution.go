package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/playbookd/pkg/schema"
)

// Execution is the live handle of one playbook run. The engine goroutine is
// the only writer of its state; readers get deep copies.
type Execution struct {
	playbook *schema.Playbook
	sm       *StateManager

	mu    sync.RWMutex
	state *schema.ExecutionState

	started atomic.Bool
	done    chan struct{}
	err     error
}

func newExecution(pb *schema.Playbook, state *schema.ExecutionState, increment time.Duration) *Execution {
	x := &Execution{
		playbook: pb,
		sm:       NewStateManager(increment),
		state:    state,
		done:     make(chan struct{}),
	}
	x.sm.OnTransition(func(_, to schema.ExecutionStatus) {
		x.update(func(s *schema.ExecutionState) { s.Status = to })
	})
	return x
}

// ID returns the execution id.
func (x *Execution) ID() string { return x.state.ExecutionID }

// Playbook returns the playbook being run.
func (x *Execution) Playbook() *schema.Playbook { return x.playbook }

// Status returns the current status.
func (x *Execution) Status() schema.ExecutionStatus { return x.sm.Status() }

// Snapshot returns a deep copy of the current state.
func (x *Execution) Snapshot() *schema.ExecutionState {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.state.Clone()
}

func (x *Execution) update(fn func(s *schema.ExecutionState)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	fn(x.state)
}

func (x *Execution) read(fn func(s *schema.ExecutionState)) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	fn(x.state)
}

// Signal delivers a control signal to the execution.
func (x *Execution) Signal(sig schema.ControlSignal) error { return x.sm.Signal(sig) }

func (x *Execution) Pause() error    { return x.sm.Signal(schema.SignalPause) }
func (x *Execution) Resume() error   { return x.sm.Signal(schema.SignalResume) }
func (x *Execution) Skip() error     { return x.sm.Signal(schema.SignalSkip) }
func (x *Execution) SkipBack() error { return x.sm.Signal(schema.SignalSkipBack) }
func (x *Execution) Cancel() error   { return x.sm.Signal(schema.SignalCancel) }

// Done is closed once the execution reaches a terminal status.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Wait blocks until the execution ends or ctx is done. It returns the final
// state and the error Execute returned (nil unless cancelled).
func (x *Execution) Wait(ctx context.Context) (*schema.ExecutionState, error) {
	select {
	case <-x.done:
		return x.Snapshot(), x.err
	case <-ctx.Done():
		return x.Snapshot(), schema.AsEngineError(ctx.Err())
	}
}

func (x *Execution) finish(err error) {
	x.err = err
	close(x.done)
}

// ExecutionRegistry tracks in-flight executions by id.
type ExecutionRegistry struct {
	mu    sync.RWMutex
	execs map[string]*Execution
}

// NewExecutionRegistry creates an empty registry.
func NewExecutionRegistry() *ExecutionRegistry {
	return &ExecutionRegistry{execs: make(map[string]*Execution)}
}

// Add registers x. Returns CONFLICT if the id is already active.
func (r *ExecutionRegistry) Add(x *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.execs[x.ID()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already active", x.ID())
	}
	r.execs[x.ID()] = x
	return nil
}

// Remove drops id from the registry.
func (r *ExecutionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.execs, id)
}

// Get returns the active execution for id.
func (r *ExecutionRegistry) Get(id string) (*Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	x, ok := r.execs[id]
	return x, ok
}

// List returns every active execution ordered by id.
func (r *ExecutionRegistry) List() []*Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Execution, 0, len(r.execs))
	for _, x := range r.execs {
		out = append(out, x)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of active executions.
func (r *ExecutionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.execs)
}
