package validation

import (
	"fmt"
	"time"

	"github.com/rendis/playbookd/internal/expressions"
	"github.com/rendis/playbookd/pkg/schema"
)

// highRetryThreshold is the retry_count above which a warning is reported.
const highRetryThreshold = 10

// validateSemantic checks what the JSON Schema cannot: unique step ids,
// domain homogeneity, registered handlers and their params, parameter
// references and duration values.
func validateSemantic(pb *schema.Playbook, lookup HandlerLookup) *schema.ValidationReport {
	report := &schema.ValidationReport{Playbook: pb.Name}

	if !pb.Domain.Valid() {
		report.AddError("domain", "", fmt.Sprintf("unknown domain %q", pb.Domain))
	}
	if len(pb.Steps) == 0 {
		report.AddError("steps", "", "playbook has no steps")
	}

	declared := make(map[string]bool, len(pb.Parameters))
	for i, p := range pb.Parameters {
		path := fmt.Sprintf("parameters[%d]", i)
		if p.Name == "" {
			report.AddError(path+".name", "", "parameter name is required")
			continue
		}
		if declared[p.Name] {
			report.AddError(path+".name", "", fmt.Sprintf("duplicate parameter %q", p.Name))
		}
		declared[p.Name] = true
		if p.Required && p.Default != nil {
			report.AddWarning(path, "", fmt.Sprintf("parameter %q is required but has a default; the default is never used", p.Name))
		}
	}

	seen := make(map[string]bool, len(pb.Steps))
	for i := range pb.Steps {
		step := &pb.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if step.ID == "" {
			report.AddError(path+".id", "", "step id is required")
		} else if seen[step.ID] {
			report.AddError(path+".id", step.ID, fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true

		validateStep(pb, step, path, declared, lookup, report)
	}

	return report
}

func validateStep(pb *schema.Playbook, step *schema.Step, path string, declared map[string]bool, lookup HandlerLookup, report *schema.ValidationReport) {
	if step.Type == "" {
		report.AddError(path+".type", step.ID, "step type is required")
		return
	}
	if pb.Domain.Valid() && !step.AllowedIn(pb.Domain) {
		report.AddError(path+".type", step.ID,
			fmt.Sprintf("step type %q is not allowed in a %s playbook", step.Type, pb.Domain))
	}

	validateDuration(step.Timeout, path+".timeout", step.ID, report)
	validateDuration(step.RetryDelay, path+".retry_delay", step.ID, report)

	if step.RetryCount < 0 {
		report.AddError(path+".retry_count", step.ID, "retry_count must not be negative")
	} else if step.RetryCount > highRetryThreshold {
		report.AddWarning(path+".retry_count", step.ID,
			fmt.Sprintf("retry_count %d is high; consider a longer retry_delay instead", step.RetryCount))
	}
	switch step.Backoff {
	case "", "fixed", "linear", "exponential":
	default:
		report.AddError(path+".backoff", step.ID, fmt.Sprintf("unknown backoff %q", step.Backoff))
	}
	switch step.OnFailure {
	case "", schema.OnFailureAbort, schema.OnFailureContinue:
	default:
		report.AddError(path+".on_failure", step.ID, fmt.Sprintf("unknown on_failure %q", step.OnFailure))
	}

	refs, refErr := expressions.References(step.Params)
	if refErr != nil {
		report.AddError(path+".params", step.ID, refErr.Error())
	}
	for _, ref := range refs {
		if ref.Type == expressions.RefParameter && !declared[ref.Name] {
			report.AddError(path+".params", step.ID,
				fmt.Sprintf("references undeclared parameter %q", ref.Name))
		}
	}

	if step.Namespace() == schema.NamespacePlaybook {
		if name, ok := step.Params["playbook"].(string); ok && name == pb.Name {
			report.AddWarning(path+".params.playbook", step.ID, "playbook runs itself; nesting depth limits apply")
		}
	}

	if lookup == nil {
		return
	}
	h, err := lookup.Get(step.Type)
	if err != nil {
		report.AddError(path+".type", step.ID, fmt.Sprintf("no handler registered for %q", step.Type))
		return
	}
	missing := false
	for _, name := range h.Describe().Required {
		if _, ok := step.Params[name]; !ok {
			missing = true
			report.AddError(fmt.Sprintf("%s.params.%s", path, name), step.ID,
				fmt.Sprintf("%s requires param %q", step.Type, name))
		}
	}
	// Templated params are only known at run time.
	if !missing && len(refs) == 0 && refErr == nil {
		if verr := h.Validate(step.Params); verr != nil {
			msg := verr.Error()
			if e := schema.AsEngineError(verr); e != nil {
				msg = e.Message
			}
			report.AddError(path+".params", step.ID, msg)
		}
	}
}

func validateDuration(value, path, stepID string, report *schema.ValidationReport) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		report.AddError(path, stepID, fmt.Sprintf("invalid duration %q", value))
		return
	}
	if d <= 0 {
		report.AddError(path, stepID, fmt.Sprintf("duration %q must be positive", value))
	}
}
