package schema

// Event type constants for the execution event log and live stream.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventSignalReceived = "signal_received"
	EventStatusChanged  = "status_changed"
	EventVariableSet    = "variable_set"
)

// StatusEventType maps a status transition target onto its lifecycle event.
func StatusEventType(to ExecutionStatus) string {
	switch to {
	case StatusRunning:
		return EventExecutionStarted
	case StatusPaused:
		return EventExecutionPaused
	case StatusCompleted:
		return EventExecutionCompleted
	case StatusFailed:
		return EventExecutionFailed
	case StatusCancelled:
		return EventExecutionCancelled
	default:
		return EventStatusChanged
	}
}
