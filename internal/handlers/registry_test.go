package handlers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/playbookd/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcHandler is a Handler backed by a function, for registry tests.
type funcHandler struct {
	name     string
	calls    atomic.Int32
	validate func(map[string]any) error
	run      func(ctx context.Context, attempt int, in StepInput) (*StepOutput, error)
}

func (f *funcHandler) Type() string          { return f.name }
func (f *funcHandler) Describe() HandlerInfo { return HandlerInfo{Description: "test " + f.name} }
func (f *funcHandler) Validate(p map[string]any) error {
	if f.validate != nil {
		return f.validate(p)
	}
	return nil
}
func (f *funcHandler) Execute(ctx context.Context, in StepInput) (*StepOutput, error) {
	n := int(f.calls.Add(1))
	if f.run == nil {
		return Data(map[string]any{"ok": true}), nil
	}
	return f.run(ctx, n, in)
}

func newTestRegistry(t *testing.T, hs ...Handler) *Registry {
	t.Helper()
	reg := NewRegistry(WithWaitIncrement(5 * time.Millisecond))
	require.NoError(t, reg.RegisterAll(hs...))
	return reg
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&funcHandler{name: "utility.test"}))
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("utility.test"))

	err := reg.Register(&funcHandler{name: "utility.test"})
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(reg.Register(nil)))
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(reg.Register(&funcHandler{})))
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("gateway.nope")
	assert.Equal(t, schema.ErrCodeHandlerUnavailable, schema.CodeOf(err))
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := newTestRegistry(t, &funcHandler{name: "b.x"}, &funcHandler{name: "a.y"})
	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "a.y", infos[0].Type)
	assert.Equal(t, "b.x", infos[1].Type)
}

func TestRegistry_ConcurrentReads(t *testing.T) {
	reg := newTestRegistry(t, &funcHandler{name: "utility.x"})
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := reg.Dispatch(context.Background(), Call{StepID: "s", Type: "utility.x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestDispatch_Success(t *testing.T) {
	h := &funcHandler{name: "utility.ok", run: func(_ context.Context, _ int, in StepInput) (*StepOutput, error) {
		return Data(map[string]any{"echo": in.Params["v"], "exec": in.ExecutionID}), nil
	}}
	reg := newTestRegistry(t, h)

	out, attempts, err := reg.Dispatch(context.Background(), Call{
		ExecutionID: "e1", StepID: "s1", Type: "utility.ok", Params: map[string]any{"v": 42},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 42, out.Data["echo"])
	assert.Equal(t, "e1", out.Data["exec"])
}

func TestDispatch_NilOutputBecomesEmpty(t *testing.T) {
	h := &funcHandler{name: "utility.nil", run: func(context.Context, int, StepInput) (*StepOutput, error) {
		return nil, nil
	}}
	out, _, err := newTestRegistry(t, h).Dispatch(context.Background(), Call{StepID: "s", Type: "utility.nil"})
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestDispatch_RetryCountNGivesNPlusOneAttempts(t *testing.T) {
	for _, n := range []int{0, 1, 2, 4} {
		h := &funcHandler{name: "gateway.flaky", run: func(context.Context, int, StepInput) (*StepOutput, error) {
			return nil, schema.NewError(schema.ErrCodeStepExecution, "gateway down")
		}}
		reg := newTestRegistry(t, h)

		_, attempts, err := reg.Dispatch(context.Background(), Call{StepID: "s", Type: "gateway.flaky", RetryCount: n})
		require.Error(t, err)
		assert.Equal(t, n+1, attempts)
		assert.Equal(t, int32(n+1), h.calls.Load())
		assert.Equal(t, schema.ErrCodeStepExecution, schema.CodeOf(err))
		assert.Equal(t, "s", schema.AsEngineError(err).StepID)
	}
}

func TestDispatch_SucceedsAfterRetries(t *testing.T) {
	var retried []int
	h := &funcHandler{name: "gateway.eventually", run: func(_ context.Context, n int, _ StepInput) (*StepOutput, error) {
		if n < 3 {
			return nil, errors.New("connection refused")
		}
		return Data(map[string]any{"attempt": n}), nil
	}}
	reg := newTestRegistry(t, h)

	out, attempts, err := reg.Dispatch(context.Background(), Call{
		StepID: "s", Type: "gateway.eventually", RetryCount: 5, RetryDelay: time.Millisecond,
		OnRetry: func(attempt int, _ error) { retried = append(retried, attempt) },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, out.Data["attempt"])
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDispatch_NonRetryableCodes(t *testing.T) {
	for _, code := range []string{schema.ErrCodeResolution, schema.ErrCodeValidation, schema.ErrCodeNotFound} {
		h := &funcHandler{name: "utility.bad", run: func(context.Context, int, StepInput) (*StepOutput, error) {
			return nil, schema.NewError(code, "nope")
		}}
		_, attempts, err := newTestRegistry(t, h).Dispatch(context.Background(), Call{StepID: "s", Type: "utility.bad", RetryCount: 3})
		assert.Equal(t, code, schema.CodeOf(err))
		assert.Equal(t, 1, attempts, code)
	}
}

func TestDispatch_ValidationFailsBeforeAttempt(t *testing.T) {
	h := &funcHandler{name: "utility.v", validate: func(map[string]any) error {
		return schema.NewError(schema.ErrCodeValidation, "missing url")
	}}
	_, attempts, err := newTestRegistry(t, h).Dispatch(context.Background(), Call{StepID: "s", Type: "utility.v", RetryCount: 3})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Equal(t, 0, attempts)
	assert.Equal(t, int32(0), h.calls.Load())
}

func TestDispatch_UnknownType(t *testing.T) {
	_, attempts, err := NewRegistry().Dispatch(context.Background(), Call{StepID: "s", Type: "gateway.missing"})
	assert.Equal(t, schema.ErrCodeHandlerUnavailable, schema.CodeOf(err))
	assert.Equal(t, 0, attempts)
}

func TestDispatch_TimeoutIsRetried(t *testing.T) {
	h := &funcHandler{name: "utility.slow", run: func(ctx context.Context, _ int, _ StepInput) (*StepOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	_, attempts, err := newTestRegistry(t, h).Dispatch(context.Background(), Call{
		StepID: "s", Type: "utility.slow", Timeout: 20 * time.Millisecond, RetryCount: 1,
	})
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))
	assert.Equal(t, 2, attempts)
}

func TestDispatch_NonCooperativeHandlerStillTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := &funcHandler{name: "utility.stuck", run: func(context.Context, int, StepInput) (*StepOutput, error) {
		<-release
		return nil, nil
	}}

	start := time.Now()
	_, _, err := newTestRegistry(t, h).Dispatch(context.Background(), Call{StepID: "s", Type: "utility.stuck", Timeout: 30 * time.Millisecond})
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDispatch_CancelIsNeverRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &funcHandler{name: "utility.block", run: func(ctx context.Context, _ int, _ StepInput) (*StepOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, attempts, err := newTestRegistry(t, h).Dispatch(ctx, Call{StepID: "s", Type: "utility.block", RetryCount: 5})
	assert.True(t, schema.IsCancelled(err))
	assert.Equal(t, 1, attempts)
}

func TestDispatch_CancelDuringRetryDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &funcHandler{name: "utility.fail", run: func(context.Context, int, StepInput) (*StepOutput, error) {
		return nil, schema.NewError(schema.ErrCodeStepExecution, "fail")
	}}
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, attempts, err := newTestRegistry(t, h).Dispatch(ctx, Call{
		StepID: "s", Type: "utility.fail", RetryCount: 3, RetryDelay: 10 * time.Second,
	})
	assert.True(t, schema.IsCancelled(err))
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDispatch_PanicBecomesStepError(t *testing.T) {
	h := &funcHandler{name: "utility.panic", run: func(context.Context, int, StepInput) (*StepOutput, error) {
		panic("boom")
	}}
	_, attempts, err := newTestRegistry(t, h).Dispatch(context.Background(), Call{StepID: "s", Type: "utility.panic"})
	assert.Equal(t, schema.ErrCodeStepExecution, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 1, attempts)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(errors.New("plain failure")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeTimeout, "t")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeCancelled, "c")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeRecursionLimit, "r")))
}

func TestComputeBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, time.Duration(0), ComputeBackoff(BackoffFixed, 0, 3))
	assert.Equal(t, base, ComputeBackoff("", base, 3))
	assert.Equal(t, base, ComputeBackoff(BackoffFixed, base, 3))
	assert.Equal(t, 3*base, ComputeBackoff(BackoffLinear, base, 2))
	assert.Equal(t, 8*base, ComputeBackoff(BackoffExponential, base, 3))
	assert.Equal(t, maxBackoff, ComputeBackoff(BackoffExponential, time.Minute, 10))
}
