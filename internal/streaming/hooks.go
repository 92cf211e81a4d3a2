package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/playbookd/internal/engine"
	"github.com/rendis/playbookd/internal/store"
	"github.com/rendis/playbookd/pkg/schema"
)

// EventAppender persists events. Satisfied by store.EventLog and store.LibSQLStore.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// EngineHooks turns engine progress callbacks into events: each one is
// appended to the event log (when log is non-nil) and then published to
// hub (when hub is non-nil). Failures are logged and never reach the engine.
func EngineHooks(hub EventHub, log EventAppender, logger *slog.Logger) engine.Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	e := &emitter{hub: hub, log: log, logger: logger}

	return engine.Hooks{
		OnStepStarted: func(ctx context.Context, state *schema.ExecutionState, step *schema.Step) {
			e.emit(ctx, state.ExecutionID, step.ID, schema.EventStepStarted, map[string]any{
				"index": state.CurrentStepIndex,
				"type":  step.Type,
				"name":  step.Name,
			})
		},
		OnStepCompleted: func(ctx context.Context, state *schema.ExecutionState, r *schema.StepResult) {
			payload := map[string]any{
				"outcome":            string(r.Outcome),
				"attempts":           r.Attempts,
				"duration_ms":        r.Duration().Milliseconds(),
				"current_step_index": state.CurrentStepIndex,
			}
			eventType := schema.EventStepCompleted
			switch r.Outcome {
			case schema.OutcomeFailure:
				eventType = schema.EventStepFailed
				payload["error"] = r.Error
			case schema.OutcomeSkipped:
				eventType = schema.EventStepSkipped
			default:
				payload["output"] = r.Output
			}
			e.emit(ctx, state.ExecutionID, r.StepID, eventType, payload)
		},
		OnStepRetrying: func(ctx context.Context, state *schema.ExecutionState, step *schema.Step, attempt int, err error) {
			e.emit(ctx, state.ExecutionID, step.ID, schema.EventStepRetrying, map[string]any{
				"attempt": attempt,
				"error":   schema.AsEngineError(err),
			})
		},
		OnStatusChanged: func(ctx context.Context, state *schema.ExecutionState, from, to schema.ExecutionStatus) {
			eventType := schema.StatusEventType(to)
			if from == schema.StatusPaused && to == schema.StatusRunning {
				eventType = schema.EventExecutionResumed
			}
			payload := map[string]any{
				"from":               string(from),
				"to":                 string(to),
				"playbook":           state.PlaybookName,
				"current_step_index": state.CurrentStepIndex,
				"total_steps":        state.TotalSteps,
			}
			if state.Error != nil && to.IsTerminal() {
				payload["error"] = state.Error
			}
			e.emit(ctx, state.ExecutionID, "", eventType, payload)
		},
	}
}

type emitter struct {
	hub    EventHub
	log    EventAppender
	logger *slog.Logger
}

func (e *emitter) emit(ctx context.Context, executionID, stepID, eventType string, payload map[string]any) int64 {
	ev := StreamEvent{
		ExecutionID: executionID,
		StepID:      stepID,
		EventType:   eventType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}

	if e.log != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			e.logger.WarnContext(ctx, "marshal event payload failed", "event_type", eventType, "error", err)
		}
		stored := &store.Event{
			ExecutionID: executionID,
			StepID:      stepID,
			Type:        eventType,
			Payload:     raw,
			Timestamp:   ev.Timestamp,
		}
		if err := e.log.AppendEvent(ctx, stored); err != nil {
			e.logger.WarnContext(ctx, "append event failed", "event_type", eventType, "error", err)
		} else {
			ev.Sequence = stored.Sequence
		}
	}

	if e.hub != nil {
		if err := e.hub.Publish(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "publish event failed", "event_type", eventType, "error", err)
		}
	}
	return ev.Sequence
}

// Emit appends and publishes one event raised outside the engine, such as an
// operator signal. It returns the sequence assigned by the log, or 0.
func Emit(ctx context.Context, hub EventHub, log EventAppender, logger *slog.Logger, executionID, stepID, eventType string, payload map[string]any) int64 {
	if logger == nil {
		logger = slog.Default()
	}
	e := &emitter{hub: hub, log: log, logger: logger}
	return e.emit(ctx, executionID, stepID, eventType, payload)
}
