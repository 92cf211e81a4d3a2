package handlers

import (
	"context"
	"sync/atomic"

	"github.com/rendis/playbookd/pkg/schema"
)

// SubPlaybookRequest asks the engine to run a child playbook.
type SubPlaybookRequest struct {
	Playbook          string
	Parameters        map[string]any
	ParentExecutionID string
	ParentStepID      string
}

// SubPlaybookResult is the child's terminal state.
type SubPlaybookResult struct {
	ExecutionID string
	Status      schema.ExecutionStatus
	Variables   map[string]any
	Error       *schema.EngineError
}

// SubPlaybookRunner runs a child playbook to completion on the caller's
// context. The engine satisfies this after construction (late-bind).
type SubPlaybookRunner func(ctx context.Context, req SubPlaybookRequest) (*SubPlaybookResult, error)

// PlaybookRunHandler implements playbook.run. The child shares the parent's
// context, so cancelling the parent cancels the child, but starts with its
// own empty variables; only the explicit parameters flow in.
type PlaybookRunHandler struct {
	runner atomic.Pointer[SubPlaybookRunner]
}

// NewPlaybookRunHandler creates an unbound handler. Bind must be called
// before the first dispatch.
func NewPlaybookRunHandler() *PlaybookRunHandler {
	return &PlaybookRunHandler{}
}

// Bind wires the runner.
func (h *PlaybookRunHandler) Bind(runner SubPlaybookRunner) {
	h.runner.Store(&runner)
}

func (h *PlaybookRunHandler) Type() string { return "playbook.run" }

func (h *PlaybookRunHandler) Describe() HandlerInfo {
	return HandlerInfo{
		Description: "Run another playbook to completion with explicit parameters.",
		Required:    []string{"playbook"},
		Optional:    []string{"parameters", "result_variable"},
	}
}

func (h *PlaybookRunHandler) Validate(params map[string]any) error {
	if err := requireParams(h.Type(), params, "playbook"); err != nil {
		return err
	}
	if p, ok := params["parameters"]; ok && p != nil && mapParam(params, "parameters") == nil && !isTemplate(p) {
		return schema.NewError(schema.ErrCodeValidation, "playbook.run: 'parameters' must be a map")
	}
	return nil
}

func (h *PlaybookRunHandler) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	runner := h.runner.Load()
	if runner == nil {
		return nil, schema.NewError(schema.ErrCodeHandlerUnavailable, "playbook.run: sub-playbook runner not configured")
	}

	name := stringParam(input.Params, "playbook", "")
	res, err := (*runner)(ctx, SubPlaybookRequest{
		Playbook:          name,
		Parameters:        mapParam(input.Params, "parameters"),
		ParentExecutionID: input.ExecutionID,
		ParentStepID:      input.StepID,
	})
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"execution_id": res.ExecutionID,
		"status":       string(res.Status),
		"variables":    res.Variables,
	}
	if res.Status != schema.StatusCompleted {
		err := execErr(h.Type(), "child playbook %s ended %s", name, res.Status).WithDetails(data)
		if res.Error != nil {
			err.Message += ": " + res.Error.Message
			err.Cause = res.Error
		}
		return nil, err
	}

	out := Data(data)
	if v := stringParam(input.Params, "result_variable", ""); v != "" {
		out.Variables = map[string]any{v: res.Variables}
	}
	return out, nil
}
