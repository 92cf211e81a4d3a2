package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/playbookd/pkg/schema"
)

// Event is an immutable entry in the execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ScheduledJob is a cron-triggered playbook execution.
type ScheduledJob struct {
	ID              string          `json:"id"`
	PlaybookName    string          `json:"playbook_name"`
	CronExpression  string          `json:"cron_expression"`
	Params          json.RawMessage `json:"params,omitempty"`
	Enabled         bool            `json:"enabled"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus   string          `json:"last_run_status,omitempty"`
	LastExecutionID string          `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
// Listed executions carry no step results; use GetExecution for those.
type ExecutionFilter struct {
	Status            *schema.ExecutionStatus `json:"status,omitempty"`
	PlaybookName      string                  `json:"playbook_name,omitempty"`
	ParentExecutionID string                  `json:"parent_execution_id,omitempty"`
	Since             *time.Time              `json:"since,omitempty"`
	Limit             int                     `json:"limit,omitempty"`
	Offset            int                     `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	StepID      string     `json:"step_id,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled         *bool      `json:"enabled,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	PlaybookName string `json:"playbook_name,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}
