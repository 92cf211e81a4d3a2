package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbookd/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func newState(name string) *schema.ExecutionState {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &schema.ExecutionState{
		ExecutionID:  uuid.New().String(),
		PlaybookName: name,
		Status:       schema.StatusPending,
		TotalSteps:   3,
		Variables:    map[string]any{},
		Parameters:   map[string]any{"host": "plc-01"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSaveAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := newState("deploy")
	st.DebugMode = true
	st.Depth = 1
	st.ParentExecutionID = "parent-1"
	require.NoError(t, s.SaveExecution(ctx, st))

	got, err := s.GetExecution(ctx, st.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, st.ExecutionID, got.ExecutionID)
	assert.Equal(t, "deploy", got.PlaybookName)
	assert.Equal(t, schema.StatusPending, got.Status)
	assert.Equal(t, 3, got.TotalSteps)
	assert.True(t, got.DebugMode)
	assert.Equal(t, 1, got.Depth)
	assert.Equal(t, "parent-1", got.ParentExecutionID)
	assert.Equal(t, "plc-01", got.Parameters["host"])
	assert.Empty(t, got.StepResults)
	assert.Nil(t, got.StartedAt)
}

func TestSaveExecution_AppendsOnlyNewResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := newState("deploy")
	started := time.Now().UTC()
	st.Status = schema.StatusRunning
	st.StartedAt = &started
	st.StepResults = []schema.StepResult{{
		StepID: "login", StepType: "gateway.login", Outcome: schema.OutcomeSuccess,
		Output: map[string]any{"token": "abc"}, Attempts: 1, StartedAt: started, CompletedAt: started,
	}}
	st.CurrentStepIndex = 1
	require.NoError(t, s.SaveExecution(ctx, st))

	st.StepResults = append(st.StepResults, schema.StepResult{
		StepID: "ping", StepType: "gateway.ping", Outcome: schema.OutcomeFailure,
		Error:    schema.NewError(schema.ErrCodeTimeout, "timed out"),
		Attempts: 3, StartedAt: started, CompletedAt: started,
	})
	st.Status = schema.StatusFailed
	st.Error = schema.NewError(schema.ErrCodeTimeout, "timed out").WithStep("ping")
	require.NoError(t, s.SaveExecution(ctx, st))
	// Saving again without new results must not duplicate rows.
	require.NoError(t, s.SaveExecution(ctx, st))

	got, err := s.GetExecution(ctx, st.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, got.Status)
	assert.Equal(t, 1, got.CurrentStepIndex)
	require.Len(t, got.StepResults, 2)
	assert.Equal(t, "login", got.StepResults[0].StepID)
	assert.Equal(t, "abc", got.StepResults[0].Output["token"])
	assert.Equal(t, schema.OutcomeFailure, got.StepResults[1].Outcome)
	require.NotNil(t, got.StepResults[1].Error)
	assert.Equal(t, schema.ErrCodeTimeout, got.StepResults[1].Error.Code)
	assert.Equal(t, 3, got.StepResults[1].Attempts)
	require.NotNil(t, got.Error)
	assert.Equal(t, "ping", got.Error.StepID)
	require.NotNil(t, got.StartedAt)
}

func TestSaveExecution_RequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveExecution(context.Background(), &schema.ExecutionState{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestGetExecution_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetExecution(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestListExecutions_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newState("deploy")
	a.Status = schema.StatusCompleted
	b := newState("deploy")
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	c := newState("rollback")
	c.ParentExecutionID = a.ExecutionID
	c.CreatedAt = a.CreatedAt.Add(2 * time.Second)
	for _, st := range []*schema.ExecutionState{a, b, c} {
		require.NoError(t, s.SaveExecution(ctx, st))
	}

	all, err := s.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, c.ExecutionID, all[0].ExecutionID, "newest first")

	byName, err := s.ListExecutions(ctx, ExecutionFilter{PlaybookName: "deploy"})
	require.NoError(t, err)
	assert.Len(t, byName, 2)

	completed := schema.StatusCompleted
	byStatus, err := s.ListExecutions(ctx, ExecutionFilter{Status: &completed})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, a.ExecutionID, byStatus[0].ExecutionID)

	children, err := s.ListExecutions(ctx, ExecutionFilter{ParentExecutionID: a.ExecutionID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, c.ExecutionID, children[0].ExecutionID)

	page, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, b.ExecutionID, page[0].ExecutionID)
}

func TestDeleteExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := newState("deploy")
	st.StepResults = []schema.StepResult{{StepID: "a", Outcome: schema.OutcomeSuccess, Attempts: 1, StartedAt: time.Now()}}
	require.NoError(t, s.SaveExecution(ctx, st))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: st.ExecutionID, Type: schema.EventExecutionStarted}))

	require.NoError(t, s.DeleteExecution(ctx, st.ExecutionID))
	_, err := s.GetExecution(ctx, st.ExecutionID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	events, err := s.GetEvents(ctx, st.ExecutionID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	err = s.DeleteExecution(ctx, st.ExecutionID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

// --- Secrets ---

func TestSecrets_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "gw/admin", []byte("cipher-1")))
	require.NoError(t, s.StoreSecret(ctx, "ai/key", []byte("cipher-2")))

	v, err := s.GetSecret(ctx, "gw/admin")
	require.NoError(t, err)
	assert.Equal(t, []byte("cipher-1"), v)

	require.NoError(t, s.StoreSecret(ctx, "gw/admin", []byte("rotated")))
	v, err = s.GetSecret(ctx, "gw/admin")
	require.NoError(t, err)
	assert.Equal(t, []byte("rotated"), v)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ai/key", "gw/admin"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "gw/admin"))
	_, err = s.GetSecret(ctx, "gw/admin")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.DeleteSecret(ctx, "gw/admin"), schema.ErrCodeNotFound))
}

// --- Scheduled Jobs ---

func TestScheduledJobs_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &ScheduledJob{
		ID:             "nightly",
		PlaybookName:   "health-check",
		CronExpression: "0 2 * * *",
		Params:         json.RawMessage(`{"host":"gw-1"}`),
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))
	assert.False(t, job.CreatedAt.IsZero())

	err := s.CreateScheduledJob(ctx, job)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	got, err := s.GetScheduledJob(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "health-check", got.PlaybookName)
	assert.JSONEq(t, `{"host":"gw-1"}`, string(got.Params))
	assert.Nil(t, got.LastRunAt)

	now := time.Now().UTC()
	next := now.Add(time.Hour)
	require.NoError(t, s.UpdateScheduledJob(ctx, "nightly", ScheduledJobUpdate{
		LastRunAt: &now, NextRunAt: &next, LastRunStatus: "completed", LastExecutionID: "exec-1",
	}))
	got, err = s.GetScheduledJob(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.LastRunStatus)
	assert.Equal(t, "exec-1", got.LastExecutionID)
	require.NotNil(t, got.NextRunAt)

	disabled := false
	require.NoError(t, s.UpdateScheduledJob(ctx, "nightly", ScheduledJobUpdate{Enabled: &disabled}))
	enabled := true
	list, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.ListScheduledJobs(ctx, ScheduledJobFilter{PlaybookName: "health-check"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteScheduledJob(ctx, "nightly"))
	_, err = s.GetScheduledJob(ctx, "nightly")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.UpdateScheduledJob(ctx, "nightly", ScheduledJobUpdate{Enabled: &enabled}), schema.ErrCodeNotFound))
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Vacuum(context.Background()))
}
