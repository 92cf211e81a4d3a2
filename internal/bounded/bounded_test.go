package bounded

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/playbookd/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWait_Completes(t *testing.T) {
	start := time.Now()
	err := Wait(context.Background(), 60*time.Millisecond, WithIncrement(10*time.Millisecond))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestWait_ZeroDuration(t *testing.T) {
	assert.NoError(t, Wait(context.Background(), 0))
}

func TestWait_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Wait(ctx, time.Hour)
	assert.True(t, schema.IsCancelled(err))
}

func TestWait_CancelWithinOneIncrement(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inc := 20 * time.Millisecond

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Wait(ctx, 10*time.Second, WithIncrement(inc))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
	assert.Less(t, elapsed, 30*time.Millisecond+2*inc)
}

func TestWait_DeadlineIsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Wait(ctx, time.Second, WithIncrement(5*time.Millisecond))
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWithIncrement_IgnoresNonPositive(t *testing.T) {
	o := buildOptions([]Option{WithIncrement(0), WithIncrement(-time.Second)})
	assert.Equal(t, DefaultIncrement, o.increment)
}

func TestPoll_SucceedsEventually(t *testing.T) {
	var calls atomic.Int32
	cond := func(context.Context) (bool, error) {
		return calls.Add(1) >= 3, nil
	}

	err := Poll(context.Background(), cond, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPoll_Timeout(t *testing.T) {
	cond := func(context.Context) (bool, error) { return false, nil }

	err := Poll(context.Background(), cond, 40*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))
	assert.False(t, schema.IsCancelled(err))
}

func TestPoll_ConditionError(t *testing.T) {
	boom := errors.New("gateway unreachable")
	cond := func(context.Context) (bool, error) { return false, boom }

	err := Poll(context.Background(), cond, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, boom)
}

func TestPoll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cond := func(context.Context) (bool, error) { return false, nil }

	go func() {
		time.Sleep(25 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Poll(ctx, cond, 10*time.Second, time.Second, WithIncrement(10*time.Millisecond))
	assert.True(t, schema.IsCancelled(err))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}
