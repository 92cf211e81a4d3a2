package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/rendis/playbookd/internal/bounded"
	"github.com/rendis/playbookd/internal/expressions"
	"github.com/rendis/playbookd/internal/logging"
	"github.com/rendis/playbookd/pkg/schema"
)

// UtilityDeps holds what the utility.* handlers need.
type UtilityDeps struct {
	Logger        *slog.Logger
	WaitIncrement time.Duration
	Expr          *expressions.ExprEngine
	CEL           *expressions.CELEngine
	JQ            *expressions.GoJQEngine
}

// UtilityHandlers returns sleep, log, set_variable, script, assert and transform.
// Handlers whose engine is nil are omitted.
func UtilityHandlers(deps UtilityDeps) []Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	hs := []Handler{
		&sleepHandler{increment: deps.WaitIncrement},
		&logHandler{logger: deps.Logger},
		&setVariableHandler{},
	}
	if deps.Expr != nil {
		hs = append(hs, &scriptHandler{engine: deps.Expr})
	}
	if deps.CEL != nil {
		hs = append(hs, &assertHandler{engine: deps.CEL})
	}
	if deps.JQ != nil {
		hs = append(hs, &transformHandler{engine: deps.JQ})
	}
	return hs
}

// --- utility.sleep ---

type sleepHandler struct {
	increment time.Duration
}

func (h *sleepHandler) Type() string { return "utility.sleep" }

func (h *sleepHandler) Describe() HandlerInfo {
	return HandlerInfo{Description: "Wait for a duration; cancellable within one wait increment.", Required: []string{"duration"}}
}

func (h *sleepHandler) Validate(params map[string]any) error {
	if err := requireParams(h.Type(), params, "duration"); err != nil {
		return err
	}
	if isTemplate(params["duration"]) {
		return nil
	}
	d, err := durationParam(params, "duration", 0)
	if err != nil {
		return err
	}
	if d < 0 {
		return schema.NewError(schema.ErrCodeValidation, "utility.sleep: duration must not be negative")
	}
	return nil
}

func (h *sleepHandler) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	d, err := durationParam(input.Params, "duration", 0)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if err := bounded.Wait(ctx, d, bounded.WithIncrement(h.increment)); err != nil {
		return nil, err
	}
	return Data(map[string]any{"slept_ms": time.Since(start).Milliseconds()}), nil
}

// --- utility.log ---

type logHandler struct {
	logger *slog.Logger
}

func (h *logHandler) Type() string { return "utility.log" }

func (h *logHandler) Describe() HandlerInfo {
	return HandlerInfo{Description: "Write a message to the engine log.", Required: []string{"message"}, Optional: []string{"level"}}
}

func (h *logHandler) Validate(params map[string]any) error {
	return requireParams(h.Type(), params, "message")
}

func (h *logHandler) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	msg := fmt.Sprint(input.Params["message"])
	level := logging.ParseLevel(stringParam(input.Params, "level", "info"))
	ctx = logging.WithStepID(logging.WithExecutionID(ctx, input.ExecutionID), input.StepID)
	h.logger.Log(ctx, level, msg, "source", "playbook")
	return Data(map[string]any{"message": msg, "level": level.String()}), nil
}

// --- utility.set_variable ---

type setVariableHandler struct{}

func (h *setVariableHandler) Type() string { return "utility.set_variable" }

func (h *setVariableHandler) Describe() HandlerInfo {
	return HandlerInfo{
		Description: "Store a value in the execution variables. Accepts name+value or a variables map.",
		Optional:    []string{"name", "value", "variables"},
	}
}

func (h *setVariableHandler) Validate(params map[string]any) error {
	if _, ok := params["variables"]; ok {
		if mapParam(params, "variables") == nil && !isTemplate(params["variables"]) {
			return schema.NewError(schema.ErrCodeValidation, "utility.set_variable: 'variables' must be a map")
		}
		return nil
	}
	if err := requireParams(h.Type(), params, "name"); err != nil {
		return err
	}
	if _, ok := params["value"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "utility.set_variable: missing required param 'value'")
	}
	return nil
}

func (h *setVariableHandler) Execute(_ context.Context, input StepInput) (*StepOutput, error) {
	vars := map[string]any{}
	if m := mapParam(input.Params, "variables"); m != nil {
		for k, v := range m {
			vars[k] = v
		}
	}
	if name := stringParam(input.Params, "name", ""); name != "" {
		vars[name] = input.Params["value"]
	}
	if len(vars) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "utility.set_variable: nothing to set")
	}
	return &StepOutput{Data: map[string]any{"set": sortedNames(vars)}, Variables: vars}, nil
}

// --- utility.script ---

type scriptHandler struct {
	engine *expressions.ExprEngine
}

func (h *scriptHandler) Type() string { return "utility.script" }

func (h *scriptHandler) Describe() HandlerInfo {
	return HandlerInfo{
		Description: "Evaluate an expr-lang program over variables and parameters.",
		Required:    []string{"script"},
		Optional:    []string{"result_variable"},
	}
}

func (h *scriptHandler) Validate(params map[string]any) error {
	if err := requireParams(h.Type(), params, "script"); err != nil {
		return err
	}
	return h.engine.Check(stringParam(params, "script", ""))
}

func (h *scriptHandler) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	result, err := h.engine.Evaluate(ctx, stringParam(input.Params, "script", ""),
		expressions.Env(input.Variables, input.Parameters, nil))
	if err != nil {
		return nil, err
	}
	out := Data(map[string]any{"result": result})
	if name := stringParam(input.Params, "result_variable", ""); name != "" {
		out.Variables = map[string]any{name: result}
	}
	return out, nil
}

// --- utility.assert ---

type assertHandler struct {
	engine *expressions.CELEngine
}

func (h *assertHandler) Type() string { return "utility.assert" }

func (h *assertHandler) Describe() HandlerInfo {
	return HandlerInfo{
		Description: "Fail the step unless a CEL condition over variables and parameters holds.",
		Required:    []string{"condition"},
		Optional:    []string{"message"},
	}
}

func (h *assertHandler) Validate(params map[string]any) error {
	if err := requireParams(h.Type(), params, "condition"); err != nil {
		return err
	}
	return h.engine.Check(stringParam(params, "condition", ""))
}

func (h *assertHandler) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	cond := stringParam(input.Params, "condition", "")
	ok, err := h.engine.EvaluateBool(ctx, cond, expressions.Env(input.Variables, input.Parameters, nil))
	if err != nil {
		return nil, err
	}
	if !ok {
		msg := stringParam(input.Params, "message", "assertion failed: "+cond)
		return nil, execErr(h.Type(), "%s", msg).WithDetails(map[string]any{"condition": cond})
	}
	return Data(map[string]any{"passed": true, "condition": cond}), nil
}

// --- utility.transform ---

type transformHandler struct {
	engine *expressions.GoJQEngine
}

func (h *transformHandler) Type() string { return "utility.transform" }

func (h *transformHandler) Describe() HandlerInfo {
	return HandlerInfo{
		Description: "Run a jq query over input (default: the variables) and store the result.",
		Required:    []string{"query", "result_variable"},
		Optional:    []string{"input"},
	}
}

func (h *transformHandler) Validate(params map[string]any) error {
	if err := requireParams(h.Type(), params, "query", "result_variable"); err != nil {
		return err
	}
	return h.engine.Check(stringParam(params, "query", ""))
}

func (h *transformHandler) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	var doc any = input.Variables
	if v, ok := input.Params["input"]; ok {
		doc = v
	}
	result, err := h.engine.Query(ctx, stringParam(input.Params, "query", ""), doc)
	if err != nil {
		return nil, err
	}
	name := stringParam(input.Params, "result_variable", "")
	return &StepOutput{
		Data:      map[string]any{"result": result},
		Variables: map[string]any{name: result},
	}, nil
}

// isTemplate reports whether v is an unresolved {{ }} string. Load-time
// validation sees raw templates; dispatch-time validation sees resolved values.
func isTemplate(v any) bool {
	s, ok := v.(string)
	return ok && strings.Contains(s, "{{")
}

func sortedNames(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
