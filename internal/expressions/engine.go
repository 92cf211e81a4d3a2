package expressions

import "context"

// Engine evaluates expressions inside step parameters.
// Three implementations: CEL (conditions), GoJQ (transforms), Expr (scripts).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Environment keys exposed to every engine.
const (
	KeyVariables  = "variables"
	KeyParameters = "parameters"
	KeyOutput     = "output"
)

// Env builds the evaluation environment shared by all engines.
// Nil maps are replaced with empty ones so lookups never hit nil.
func Env(variables, parameters, output map[string]any) map[string]any {
	return map[string]any{
		KeyVariables:  orEmpty(variables),
		KeyParameters: orEmpty(parameters),
		KeyOutput:     orEmpty(output),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
