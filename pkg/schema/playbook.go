package schema

import (
	"strings"
	"time"
)

// Domain is the automation surface a playbook targets.
type Domain string

const (
	DomainGateway  Domain = "gateway"
	DomainBrowser  Domain = "browser"
	DomainDesigner Domain = "designer"
)

// Valid reports whether d is one of the known domains.
func (d Domain) Valid() bool {
	switch d {
	case DomainGateway, DomainBrowser, DomainDesigner:
		return true
	}
	return false
}

// Step type namespaces usable from any domain.
const (
	NamespaceUtility  = "utility"
	NamespaceAI       = "ai"
	NamespacePlaybook = "playbook"
)

// OnFailure is the policy applied when a step ends in failure.
type OnFailure string

const (
	OnFailureAbort    OnFailure = "abort"
	OnFailureContinue OnFailure = "continue"
)

// ParameterDef declares one input a playbook accepts.
type ParameterDef struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"` // string | integer | number | boolean | credential | object | list
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Playbook is an ordered, domain-homogeneous list of steps plus declared parameters.
// It is treated as immutable once loaded.
type Playbook struct {
	Name        string         `json:"name" yaml:"name"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Domain      Domain         `json:"domain" yaml:"domain"`
	Parameters  []ParameterDef `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Steps       []Step         `json:"steps" yaml:"steps"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Step describes a single automation action.
type Step struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type       string         `json:"type" yaml:"type"` // domain.action, e.g. "gateway.login"
	Params     map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Timeout    string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`         // e.g. "30s", "5m"
	RetryCount int            `json:"retry_count,omitempty" yaml:"retry_count,omitempty"` // extra attempts after the first
	RetryDelay string         `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	Backoff    string         `json:"backoff,omitempty" yaml:"backoff,omitempty"` // fixed | linear | exponential (default: fixed)
	OnFailure  OnFailure      `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// Namespace returns the part of the step type before the first dot.
func (s *Step) Namespace() string {
	ns, _, _ := strings.Cut(s.Type, ".")
	return ns
}

// FailurePolicy returns the effective on_failure policy.
func (s *Step) FailurePolicy() OnFailure {
	if s.OnFailure == OnFailureContinue {
		return OnFailureContinue
	}
	return OnFailureAbort
}

// TimeoutOr parses the step timeout, falling back to def when unset or invalid.
func (s *Step) TimeoutOr(def time.Duration) time.Duration {
	return parseDurationOr(s.Timeout, def)
}

// RetryDelayOr parses the step retry delay, falling back to def when unset or invalid.
func (s *Step) RetryDelayOr(def time.Duration) time.Duration {
	return parseDurationOr(s.RetryDelay, def)
}

// AllowedIn reports whether the step type may appear in a playbook of the given domain.
func (s *Step) AllowedIn(d Domain) bool {
	switch s.Namespace() {
	case string(d), NamespaceUtility, NamespaceAI, NamespacePlaybook:
		return true
	}
	return false
}

// Parameter returns the declaration for name, or nil.
func (p *Playbook) Parameter(name string) *ParameterDef {
	for i := range p.Parameters {
		if p.Parameters[i].Name == name {
			return &p.Parameters[i]
		}
	}
	return nil
}

// StepIndex returns the position of the step with the given id, or -1.
func (p *Playbook) StepIndex(id string) int {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Ref returns "name@version", or just the name when unversioned.
func (p *Playbook) Ref() string {
	if p.Version == "" {
		return p.Name
	}
	return p.Name + "@" + p.Version
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
