// Package handlers maps step types to the code that performs them and wraps
// every call with timeout, retry and cancellation handling.
package handlers

import (
	"context"
	"time"
)

// Handler performs one step type. Execute must honour ctx: any wait longer
// than about a second goes through the bounded package or races ctx directly.
type Handler interface {
	Type() string
	Describe() HandlerInfo
	Validate(params map[string]any) error
	Execute(ctx context.Context, input StepInput) (*StepOutput, error)
}

// HandlerInfo is a summary of a registered handler for listing and validation.
type HandlerInfo struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    []string `json:"required,omitempty"`
	Optional    []string `json:"optional,omitempty"`
}

// StepInput is what a handler receives for one attempt.
// Variables and Parameters are read-only snapshots.
type StepInput struct {
	ExecutionID string
	StepID      string
	Params      map[string]any
	Variables   map[string]any
	Parameters  map[string]any
}

// StepOutput is a handler's result. Data is recorded on the StepResult;
// Variables is merged into the execution's variables.
type StepOutput struct {
	Data      map[string]any `json:"data,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Call describes one dispatch through the registry.
type Call struct {
	ExecutionID string
	StepID      string
	Type        string
	Params      map[string]any
	Variables   map[string]any
	Parameters  map[string]any

	Timeout    time.Duration // per attempt
	RetryCount int           // extra attempts after the first
	RetryDelay time.Duration
	Backoff    string // fixed | linear | exponential

	// OnRetry is invoked before each re-attempt with the failed attempt number.
	OnRetry func(attempt int, err error)
}

func (c Call) input() StepInput {
	return StepInput{
		ExecutionID: c.ExecutionID,
		StepID:      c.StepID,
		Params:      c.Params,
		Variables:   c.Variables,
		Parameters:  c.Parameters,
	}
}

// Data returns an output carrying only data.
func Data(data map[string]any) *StepOutput {
	return &StepOutput{Data: data}
}
