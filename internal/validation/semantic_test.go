package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbookd/internal/handlers"
	"github.com/rendis/playbookd/pkg/schema"
)

type stubHandler struct {
	typ      string
	required []string
}

func (h stubHandler) Type() string { return h.typ }
func (h stubHandler) Describe() handlers.HandlerInfo {
	return handlers.HandlerInfo{Type: h.typ, Required: h.required}
}
func (h stubHandler) Validate(map[string]any) error { return nil }
func (h stubHandler) Execute(context.Context, handlers.StepInput) (*handlers.StepOutput, error) {
	return nil, nil
}

func newLookup(t *testing.T, extra ...handlers.Handler) *handlers.Registry {
	t.Helper()
	reg := handlers.NewRegistry()
	require.NoError(t, reg.RegisterAll(handlers.UtilityHandlers(handlers.UtilityDeps{})...))
	require.NoError(t, reg.RegisterAll(extra...))
	return reg
}

func gatewayPlaybook(steps ...schema.Step) *schema.Playbook {
	return &schema.Playbook{
		Name:       "deploy",
		Domain:     schema.DomainGateway,
		Parameters: []schema.ParameterDef{{Name: "host", Type: "string", Required: true}},
		Steps:      steps,
	}
}

func messages(issues []schema.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Message)
	}
	return out
}

func TestSemantic_Valid(t *testing.T) {
	lookup := newLookup(t, stubHandler{typ: "gateway.login", required: []string{"host"}})
	pb := gatewayPlaybook(
		schema.Step{ID: "login", Type: "gateway.login", Params: map[string]any{"host": "{{ parameter.host }}"}},
		schema.Step{ID: "wait", Type: "utility.sleep", Params: map[string]any{"duration": "1s"}, Timeout: "5s"},
	)
	r := validateSemantic(pb, lookup)
	assert.True(t, r.Valid(), messages(r.Errors))
	assert.Empty(t, r.Warnings)
}

func TestSemantic_DuplicateStepIDs(t *testing.T) {
	pb := gatewayPlaybook(
		schema.Step{ID: "a", Type: "utility.log", Params: map[string]any{"message": "x"}},
		schema.Step{ID: "a", Type: "utility.log", Params: map[string]any{"message": "y"}},
	)
	r := validateSemantic(pb, nil)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[1].id", r.Errors[0].Path)
	assert.Contains(t, r.Errors[0].Message, `duplicate step id "a"`)
}

func TestSemantic_DomainMismatch(t *testing.T) {
	pb := gatewayPlaybook(
		schema.Step{ID: "open", Type: "browser.navigate", Params: map[string]any{"url": "http://x"}},
		schema.Step{ID: "ask", Type: "ai.prompt", Params: map[string]any{"prompt": "hi"}},
	)
	r := validateSemantic(pb, nil)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "open", r.Errors[0].StepID)
	assert.Contains(t, r.Errors[0].Message, "not allowed in a gateway playbook")
}

func TestSemantic_UnknownDomain(t *testing.T) {
	pb := &schema.Playbook{Name: "x", Domain: "mainframe", Steps: []schema.Step{{ID: "a", Type: "utility.log"}}}
	r := validateSemantic(pb, nil)
	assert.Contains(t, messages(r.Errors), `unknown domain "mainframe"`)
}

func TestSemantic_UnregisteredHandler(t *testing.T) {
	pb := gatewayPlaybook(schema.Step{ID: "x", Type: "gateway.explode"})
	r := validateSemantic(pb, newLookup(t))
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0].Message, `no handler registered for "gateway.explode"`)
}

func TestSemantic_NilLookupSkipsHandlerChecks(t *testing.T) {
	pb := gatewayPlaybook(schema.Step{ID: "x", Type: "gateway.explode"})
	assert.True(t, validateSemantic(pb, nil).Valid())
}

func TestSemantic_MissingRequiredParam(t *testing.T) {
	pb := gatewayPlaybook(schema.Step{ID: "log", Type: "utility.log"})
	r := validateSemantic(pb, newLookup(t))
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].params.message", r.Errors[0].Path)
}

func TestSemantic_HandlerValidateRuns(t *testing.T) {
	pb := gatewayPlaybook(schema.Step{ID: "nap", Type: "utility.sleep", Params: map[string]any{"duration": "forever"}})
	r := validateSemantic(pb, newLookup(t))
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].params", r.Errors[0].Path)
}

func TestSemantic_TemplatedParamsSkipHandlerValidate(t *testing.T) {
	pb := gatewayPlaybook(schema.Step{ID: "nap", Type: "utility.sleep", Params: map[string]any{"duration": "{{ parameter.host }}"}})
	assert.True(t, validateSemantic(pb, newLookup(t)).Valid())
}

func TestSemantic_UndeclaredParameterReference(t *testing.T) {
	pb := gatewayPlaybook(schema.Step{ID: "log", Type: "utility.log", Params: map[string]any{
		"message": "deploying to {{ parameter.port }}",
	}})
	r := validateSemantic(pb, nil)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0].Message, `undeclared parameter "port"`)
}

func TestSemantic_BadReferenceSyntax(t *testing.T) {
	pb := gatewayPlaybook(schema.Step{ID: "log", Type: "utility.log", Params: map[string]any{
		"message": "{{ secret.token }}",
	}})
	r := validateSemantic(pb, nil)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0].Message, "unknown reference type")
}

func TestSemantic_Durations(t *testing.T) {
	pb := gatewayPlaybook(schema.Step{ID: "a", Type: "utility.log", Timeout: "soon", RetryDelay: "0s"})
	r := validateSemantic(pb, nil)
	require.Len(t, r.Errors, 2)
	assert.Equal(t, "steps[0].timeout", r.Errors[0].Path)
	assert.Equal(t, "steps[0].retry_delay", r.Errors[1].Path)
}

func TestSemantic_Enums(t *testing.T) {
	pb := gatewayPlaybook(schema.Step{ID: "a", Type: "utility.log", Backoff: "random", OnFailure: "ignore"})
	r := validateSemantic(pb, nil)
	assert.ElementsMatch(t, []string{`unknown backoff "random"`, `unknown on_failure "ignore"`}, messages(r.Errors))
}

func TestSemantic_HighRetryCountWarning(t *testing.T) {
	pb := gatewayPlaybook(schema.Step{ID: "a", Type: "utility.log", RetryCount: 25})
	r := validateSemantic(pb, nil)
	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, "steps[0].retry_count", r.Warnings[0].Path)
}

func TestSemantic_SelfReferenceWarning(t *testing.T) {
	pb := gatewayPlaybook(schema.Step{ID: "again", Type: "playbook.run", Params: map[string]any{"playbook": "deploy"}})
	r := validateSemantic(pb, nil)
	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Contains(t, r.Warnings[0].Message, "runs itself")
}

func TestSemantic_DuplicateParameter(t *testing.T) {
	pb := gatewayPlaybook(schema.Step{ID: "a", Type: "utility.log"})
	pb.Parameters = append(pb.Parameters, schema.ParameterDef{Name: "host"})
	r := validateSemantic(pb, nil)
	assert.Contains(t, messages(r.Errors), `duplicate parameter "host"`)
}

func TestSemantic_MultipleErrors(t *testing.T) {
	pb := gatewayPlaybook(
		schema.Step{ID: "a", Type: "browser.click"},
		schema.Step{ID: "a", Type: "utility.log", Timeout: "x"},
	)
	r := validateSemantic(pb, nil)
	assert.Len(t, r.Errors, 3)
	assert.Contains(t, r.ToError().Error(), "3 problems")
}
