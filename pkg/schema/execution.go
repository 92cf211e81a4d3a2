package schema

import (
	"encoding/json"
	"maps"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusPaused    ExecutionStatus = "paused"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepOutcome is the terminal result of one step attempt sequence.
type StepOutcome string

const (
	OutcomeSuccess StepOutcome = "success"
	OutcomeFailure StepOutcome = "failure"
	OutcomeSkipped StepOutcome = "skipped"
)

// StepResult records one run of a step. Re-running a step appends a new result.
type StepResult struct {
	StepID      string         `json:"step_id"`
	StepType    string         `json:"step_type,omitempty"`
	Outcome     StepOutcome    `json:"outcome"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *EngineError   `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Duration returns how long the step took.
func (r *StepResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// ExecutionState is the full, persistable record of one playbook run.
type ExecutionState struct {
	ExecutionID       string          `json:"execution_id"`
	PlaybookName      string          `json:"playbook_name"`
	PlaybookVersion   string          `json:"playbook_version,omitempty"`
	Status            ExecutionStatus `json:"status"`
	CurrentStepIndex  int             `json:"current_step_index"`
	TotalSteps        int             `json:"total_steps"`
	Variables         map[string]any  `json:"variables"`
	Parameters        map[string]any  `json:"parameters"`
	StepResults       []StepResult    `json:"step_results"`
	DebugMode         bool            `json:"debug_mode"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	Depth             int             `json:"depth"`
	Error             *EngineError    `json:"error,omitempty"`
	// PersistError is set while the latest snapshot could not be stored.
	PersistError      *EngineError    `json:"persist_error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no mutable maps or slices with s.
// Values nested inside maps are copied through a JSON round trip.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Variables = CloneMap(s.Variables)
	cp.Parameters = CloneMap(s.Parameters)
	cp.StepResults = make([]StepResult, len(s.StepResults))
	for i, r := range s.StepResults {
		r.Output = CloneMap(r.Output)
		cp.StepResults[i] = r
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// ResultsFor returns every recorded result for stepID in order.
func (s *ExecutionState) ResultsFor(stepID string) []StepResult {
	var out []StepResult
	for _, r := range s.StepResults {
		if r.StepID == stepID {
			out = append(out, r)
		}
	}
	return out
}

// LastResult returns the most recent step result, or nil.
func (s *ExecutionState) LastResult() *StepResult {
	if len(s.StepResults) == 0 {
		return nil
	}
	return &s.StepResults[len(s.StepResults)-1]
}

// CloneMap deep-copies a JSON-shaped map. Values that cannot be encoded are
// copied shallowly.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err == nil {
		var out map[string]any
		if json.Unmarshal(raw, &out) == nil {
			return out
		}
	}
	return maps.Clone(m)
}
