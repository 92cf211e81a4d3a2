package validation

import "github.com/rendis/playbookd/pkg/schema"

// PlaybookValidator runs the two-stage pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step ids, domain, handlers, references, durations)
type PlaybookValidator struct {
	jsonSchema *JSONSchemaValidator
	handlers   HandlerLookup
}

// NewPlaybookValidator creates a PlaybookValidator.
// lookup may be nil to skip handler checks.
func NewPlaybookValidator(lookup HandlerLookup) (*PlaybookValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PlaybookValidator{jsonSchema: jsv, handlers: lookup}, nil
}

// Validate runs both stages and returns an aggregated report.
// Structural errors short-circuit the semantic stage.
func (pv *PlaybookValidator) Validate(pb *schema.Playbook) *schema.ValidationReport {
	if pb == nil {
		r := &schema.ValidationReport{}
		r.AddError("/", "", "playbook is nil")
		return r
	}

	report := structuralReport(pb.Name, pv.jsonSchema.ValidatePlaybook(pb))
	if !report.Valid() {
		return report
	}
	report.Merge(validateSemantic(pb, pv.handlers))
	return report
}

// ValidateDocument checks the raw document structurally and then the decoded
// playbook semantically. doc and pb must describe the same playbook.
func (pv *PlaybookValidator) ValidateDocument(doc any, pb *schema.Playbook) *schema.ValidationReport {
	name := ""
	if pb != nil {
		name = pb.Name
	}
	report := structuralReport(name, pv.jsonSchema.ValidateDocument(doc))
	if !report.Valid() || pb == nil {
		return report
	}
	report.Merge(validateSemantic(pb, pv.handlers))
	return report
}

// ValidatePlaybook satisfies the Validator interface.
func (pv *PlaybookValidator) ValidatePlaybook(pb *schema.Playbook) error {
	return pv.Validate(pb).ToError()
}

// ValidateInputs delegates to the underlying JSONSchemaValidator.
func (pv *PlaybookValidator) ValidateInputs(pb *schema.Playbook, params map[string]any) error {
	return pv.jsonSchema.ValidateInputs(pb, params)
}

// structuralReport converts a JSON Schema error into report entries.
func structuralReport(name string, err error) *schema.ValidationReport {
	report := &schema.ValidationReport{Playbook: name}
	if err == nil {
		return report
	}

	engErr := schema.AsEngineError(err)
	if engErr == nil {
		report.AddError("/", "", err.Error())
		return report
	}
	if violations, ok := engErr.Details["violations"].([]Violation); ok {
		for _, v := range violations {
			report.AddError(v.Path, "", v.Message)
		}
		return report
	}
	report.AddError("/", "", engErr.Message)
	return report
}
