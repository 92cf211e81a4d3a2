package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/playbookd/pkg/schema"
)

// StepPhase is the replayed state of a step in the event log.
type StepPhase string

const (
	StepPhasePending   StepPhase = "pending"
	StepPhaseRunning   StepPhase = "running"
	StepPhaseRetrying  StepPhase = "retrying"
	StepPhaseCompleted StepPhase = "completed"
	StepPhaseFailed    StepPhase = "failed"
	StepPhaseSkipped   StepPhase = "skipped"
)

// StepState is a step's state reconstructed from events. Runs counts every
// step_started event, so a step re-run after skip_back shows Runs > 1.
type StepState struct {
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	Phase       StepPhase       `json:"phase"`
	Runs        int             `json:"runs"`
	RetryCount  int             `json:"retry_count"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
}

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// Record marshals payload and appends it as an event of the given type.
func (el *EventLog) Record(ctx context.Context, executionID, stepID, eventType string, payload any) (*Event, error) {
	e := &Event{ExecutionID: executionID, StepID: stepID, Type: eventType}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		e.Payload = b
	}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayEvents replays all events for an execution and returns the
// reconstructed step states. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (map[string]*StepState, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	states := make(map[string]*StepState)
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		ss, ok := states[e.StepID]
		if !ok {
			ss = &StepState{
				ExecutionID: executionID,
				StepID:      e.StepID,
				Phase:       StepPhasePending,
			}
			states[e.StepID] = ss
		}

		switch e.Type {
		case schema.EventStepStarted:
			ss.Phase = StepPhaseRunning
			ss.Runs++
			ts := e.Timestamp
			ss.StartedAt = &ts
			ss.CompletedAt = nil
			ss.Error = nil

		case schema.EventStepCompleted:
			ss.Phase = StepPhaseCompleted
			ts := e.Timestamp
			ss.CompletedAt = &ts
			ss.Output = e.Payload
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			ss.Phase = StepPhaseFailed
			ts := e.Timestamp
			ss.CompletedAt = &ts
			ss.Error = e.Payload

		case schema.EventStepSkipped:
			ss.Phase = StepPhaseSkipped

		case schema.EventStepRetrying:
			ss.Phase = StepPhaseRetrying
			ss.RetryCount++
		}
	}

	return states, nil
}
