package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/playbookd/internal/bounded"
	"github.com/rendis/playbookd/pkg/schema"
)

// TransitionHook is called after a status transition has been applied.
type TransitionHook func(from, to schema.ExecutionStatus)

// ValidTransitions defines the allowed execution status transitions.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.StatusPending:   {schema.StatusRunning, schema.StatusCancelled},
	schema.StatusRunning:   {schema.StatusPaused, schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled},
	schema.StatusPaused:    {schema.StatusRunning, schema.StatusCancelled},
	schema.StatusCompleted: {},
	schema.StatusFailed:    {},
	schema.StatusCancelled: {},
}

// StateManager owns an execution's status and its pending control signals.
//
// Signals arrive from any goroutine; only the engine goroutine consumes them
// and applies transitions. CANCEL is special: it cancels the execution
// context as soon as it is received so in-flight waits abort promptly.
type StateManager struct {
	mu        sync.Mutex
	status    schema.ExecutionStatus
	pending   map[schema.ControlSignal]bool
	cancel    context.CancelFunc
	cancelled bool
	hooks     []TransitionHook

	wake      chan struct{}
	increment time.Duration
}

// NewStateManager creates a manager in PENDING. increment bounds how long the
// paused wait sleeps between signal checks.
func NewStateManager(increment time.Duration) *StateManager {
	if increment <= 0 {
		increment = bounded.DefaultIncrement
	}
	return &StateManager{
		status:    schema.StatusPending,
		pending:   make(map[schema.ControlSignal]bool),
		wake:      make(chan struct{}, 1),
		increment: increment,
	}
}

// Bind attaches the cancel func of the execution context. A CANCEL received
// before Bind is applied immediately.
func (m *StateManager) Bind(cancel context.CancelFunc) {
	m.mu.Lock()
	m.cancel = cancel
	already := m.cancelled
	m.mu.Unlock()
	if already && cancel != nil {
		cancel()
	}
}

// OnTransition registers a hook run after every successful transition.
func (m *StateManager) OnTransition(hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Status returns the current status.
func (m *StateManager) Status() schema.ExecutionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Transition moves to the given status. Hooks run on the caller's goroutine
// after the lock is released.
func (m *StateManager) Transition(to schema.ExecutionStatus) (schema.ExecutionStatus, error) {
	m.mu.Lock()
	from := m.status
	if !slices.Contains(ValidTransitions[from], to) {
		m.mu.Unlock()
		return from, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	m.status = to
	if to == schema.StatusPaused || from == schema.StatusPaused {
		// Wake signals only count for the pause they were sent into.
		delete(m.pending, schema.SignalResume)
		delete(m.pending, schema.SignalSkipBack)
	}
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()

	for _, h := range hooks {
		h(from, to)
	}
	return from, nil
}

// Signal records a control signal. It returns INVALID_TRANSITION once the
// execution is terminal, except that a repeated CANCEL is accepted.
// RESUME outside PAUSED is ignored and SKIP_BACK outside PAUSED is rejected.
func (m *StateManager) Signal(sig schema.ControlSignal) error {
	m.mu.Lock()
	status := m.status
	if status.IsTerminal() {
		m.mu.Unlock()
		if sig == schema.SignalCancel && status == schema.StatusCancelled {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot %s: execution is %s", sig, status)
	}
	if status != schema.StatusPaused {
		switch sig {
		case schema.SignalResume:
			m.mu.Unlock()
			return nil
		case schema.SignalSkipBack:
			m.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"cannot %s: execution is %s", sig, status).
				WithDetails(map[string]any{"status": string(status)})
		}
	}

	var cancel context.CancelFunc
	if sig == schema.SignalCancel {
		if m.cancelled {
			m.mu.Unlock()
			return nil
		}
		m.cancelled = true
		cancel = m.cancel
	}
	m.pending[sig] = true
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// CancelRequested reports whether CANCEL has been received.
func (m *StateManager) CancelRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// Take consumes sig if it is pending.
func (m *StateManager) Take(sig schema.ControlSignal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pending[sig] {
		return false
	}
	delete(m.pending, sig)
	return true
}

// Pending returns the signals not yet consumed, in priority order.
func (m *StateManager) Pending() []schema.ControlSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.ControlSignal
	for _, sig := range schema.AllSignals {
		if m.pending[sig] {
			out = append(out, sig)
		}
	}
	return out
}

// AwaitResume blocks while paused until RESUME, SKIP or SKIP_BACK arrives and
// returns the consumed signal. CANCEL or a cancelled ctx end the wait with a
// CANCELLED error. Stale PAUSE signals are discarded.
func (m *StateManager) AwaitResume(ctx context.Context) (schema.ControlSignal, error) {
	timer := time.NewTimer(m.increment)
	defer timer.Stop()

	for {
		if sig, ok := m.takeWake(); ok {
			return sig, nil
		}
		if m.CancelRequested() || ctx.Err() != nil {
			return "", schema.NewError(schema.ErrCodeCancelled, "execution cancelled while paused").WithCause(ctx.Err())
		}

		select {
		case <-m.wake:
		case <-ctx.Done():
		case <-timer.C:
			timer.Reset(m.increment)
		}
	}
}

func (m *StateManager) takeWake() (schema.ControlSignal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelled {
		return "", false
	}
	delete(m.pending, schema.SignalPause)
	for _, sig := range []schema.ControlSignal{schema.SignalResume, schema.SignalSkipBack, schema.SignalSkip} {
		if m.pending[sig] {
			delete(m.pending, sig)
			return sig, true
		}
	}
	return "", false
}
