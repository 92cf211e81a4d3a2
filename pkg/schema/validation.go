package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity indicates whether an issue blocks loading a playbook.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a playbook document.
type ValidationIssue struct {
	Path     string             `json:"path"`
	StepID   string             `json:"step_id,omitempty"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationReport collects every issue found while checking a playbook.
type ValidationReport struct {
	Playbook string            `json:"playbook,omitempty"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors. Warnings are acceptable.
func (r *ValidationReport) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationReport) AddError(path, stepID, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, StepID: stepID, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationReport) AddWarning(path, stepID, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, StepID: stepID, Message: message, Severity: SeverityWarning,
	})
}

// Merge folds another report into this one.
func (r *ValidationReport) Merge(other *ValidationReport) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns a VALIDATION_ERROR summarising the report, or nil when valid.
func (r *ValidationReport) ToError() error {
	if r.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(r.Errors))
	for _, issue := range r.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", issue.Path, issue.Message))
	}
	msg := msgs[0]
	if len(msgs) > 1 {
		msg = fmt.Sprintf("%d problems: %s", len(msgs), strings.Join(msgs, "; "))
	}
	if r.Playbook != "" {
		msg = fmt.Sprintf("playbook %q: %s", r.Playbook, msg)
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"errors":   r.Errors,
			"warnings": r.Warnings,
		})
}
