// Package validation checks playbooks before they are loaded or run: a JSON
// Schema pass over the document shape, then semantic checks against the
// registered handlers.
package validation

import (
	"github.com/rendis/playbookd/internal/handlers"
	"github.com/rendis/playbookd/pkg/schema"
)

// Validator checks playbooks and run inputs.
type Validator interface {
	ValidatePlaybook(pb *schema.Playbook) error
	ValidateInputs(pb *schema.Playbook, params map[string]any) error
}

// HandlerLookup resolves step types to handlers. Satisfied by *handlers.Registry.
type HandlerLookup interface {
	Get(stepType string) (handlers.Handler, error)
}
