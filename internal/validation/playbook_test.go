package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbookd/pkg/schema"
)

func TestPlaybookValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*PlaybookValidator)(nil)
	var _ HandlerLookup = newLookup(t)
}

func TestPlaybookValidator_Valid(t *testing.T) {
	pv, err := NewPlaybookValidator(newLookup(t))
	require.NoError(t, err)

	pb := gatewayPlaybook(
		schema.Step{ID: "hello", Type: "utility.log", Params: map[string]any{"message": "hi {{ parameter.host }}"}},
		schema.Step{ID: "nap", Type: "utility.sleep", Params: map[string]any{"duration": "10ms"}, RetryCount: 2, RetryDelay: "1s", Backoff: "exponential"},
	)
	r := pv.Validate(pb)
	assert.True(t, r.Valid(), messages(r.Errors))
	assert.NoError(t, pv.ValidatePlaybook(pb))
}

func TestPlaybookValidator_Nil(t *testing.T) {
	pv, err := NewPlaybookValidator(nil)
	require.NoError(t, err)
	r := pv.Validate(nil)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0].Message, "nil")
}

func TestPlaybookValidator_StructuralShortCircuits(t *testing.T) {
	pv, err := NewPlaybookValidator(newLookup(t))
	require.NoError(t, err)

	// Bad step type shape plus a duplicate id: only the structural error is reported.
	pb := gatewayPlaybook(
		schema.Step{ID: "a", Type: "Not A Type"},
		schema.Step{ID: "a", Type: "utility.log", Params: map[string]any{"message": "x"}},
	)
	r := pv.Validate(pb)
	require.False(t, r.Valid())
	for _, issue := range r.Errors {
		assert.NotContains(t, issue.Message, "duplicate step id")
	}
	assert.True(t, schema.IsCode(pv.ValidatePlaybook(pb), schema.ErrCodeValidation))
}

func TestPlaybookValidator_SemanticErrors(t *testing.T) {
	pv, err := NewPlaybookValidator(newLookup(t))
	require.NoError(t, err)

	pb := gatewayPlaybook(
		schema.Step{ID: "a", Type: "utility.log", Params: map[string]any{"message": "x"}},
		schema.Step{ID: "a", Type: "utility.log"},
	)
	r := pv.Validate(pb)
	assert.Len(t, r.Errors, 2)
	assert.Equal(t, "deploy", r.Playbook)
}

func TestPlaybookValidator_ValidateDocumentRejectsUnknownKeys(t *testing.T) {
	pv, err := NewPlaybookValidator(nil)
	require.NoError(t, err)

	doc := map[string]any{
		"name":   "deploy",
		"domain": "gateway",
		"steps": []any{
			map[string]any{"id": "a", "type": "utility.log", "retries": 3},
		},
	}
	pb := &schema.Playbook{Name: "deploy", Domain: schema.DomainGateway, Steps: []schema.Step{{ID: "a", Type: "utility.log"}}}
	r := pv.ValidateDocument(doc, pb)
	require.False(t, r.Valid())
	assert.Contains(t, r.Errors[0].Path, "/steps/0")
}

func TestPlaybookValidator_ValidateInputs(t *testing.T) {
	pv, err := NewPlaybookValidator(nil)
	require.NoError(t, err)

	pb := &schema.Playbook{
		Name:   "typed",
		Domain: schema.DomainGateway,
		Parameters: []schema.ParameterDef{
			{Name: "host", Type: "string", Required: true},
			{Name: "port", Type: "integer", Default: 8088},
			{Name: "modules", Type: "list"},
			{Name: "token", Type: "credential", Required: true, Default: "gw"},
		},
		Steps: []schema.Step{{ID: "a", Type: "utility.log"}},
	}

	assert.NoError(t, pv.ValidateInputs(pb, map[string]any{"host": "gw1", "port": 9000, "modules": []any{"a"}}))
	assert.NoError(t, pv.ValidateInputs(pb, map[string]any{"host": "gw1", "extra": true}), "undeclared inputs are accepted")

	err = pv.ValidateInputs(pb, map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "host is required and has no default")

	err = pv.ValidateInputs(pb, map[string]any{"host": "gw1", "port": "eighty"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = pv.ValidateInputs(pb, map[string]any{"host": "gw1", "modules": "a"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestPlaybookValidator_ValidateInputsNoParameters(t *testing.T) {
	pv, err := NewPlaybookValidator(nil)
	require.NoError(t, err)
	pb := &schema.Playbook{Name: "bare", Domain: schema.DomainBrowser}
	assert.NoError(t, pv.ValidateInputs(pb, nil))
}

func TestPlaybookValidator_Concurrent(t *testing.T) {
	pv, err := NewPlaybookValidator(newLookup(t))
	require.NoError(t, err)
	pb := gatewayPlaybook(schema.Step{ID: "a", Type: "utility.log", Params: map[string]any{"message": "x"}})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, pv.Validate(pb).Valid())
			assert.NoError(t, pv.ValidateInputs(pb, map[string]any{"host": "h"}))
		}()
	}
	wg.Wait()
}
