package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/playbookd/pkg/schema"
)

const playbookSchemaURL = "https://playbookd.dev/schemas/playbook.json"

// playbookSchemaJSON describes the shape of a playbook document.
const playbookSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://playbookd.dev/schemas/playbook.json",
  "type": "object",
  "required": ["name", "domain", "steps"],
  "additionalProperties": false,
  "properties": {
    "name": {
      "type": "string",
      "pattern": "^[A-Za-z0-9][A-Za-z0-9._-]*$"
    },
    "version": { "type": "string" },
    "description": { "type": "string" },
    "domain": {
      "type": "string",
      "enum": ["gateway", "browser", "designer"]
    },
    "parameters": {
      "type": "array",
      "items": { "$ref": "#/$defs/parameter" }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "metadata": { "type": "object" }
  },
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "parameter": {
      "type": "object",
      "required": ["name"],
      "additionalProperties": false,
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["string", "integer", "number", "boolean", "credential", "object", "list"]
        },
        "required": { "type": "boolean" },
        "default": {},
        "description": { "type": "string" }
      }
    },
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "additionalProperties": false,
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "pattern": "^[a-z][a-z0-9_]*\\.[a-z][a-z0-9_]*$"
        },
        "params": { "type": "object" },
        "timeout": { "$ref": "#/$defs/duration" },
        "retry_count": { "type": "integer", "minimum": 0 },
        "retry_delay": { "$ref": "#/$defs/duration" },
        "backoff": {
          "type": "string",
          "enum": ["fixed", "linear", "exponential"]
        },
        "on_failure": {
          "type": "string",
          "enum": ["abort", "continue"]
        }
      }
    }
  }
}`

// JSONSchemaValidator checks playbook documents and run inputs with JSON
// Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	playbookSchema *jsonschema.Schema

	// mu guards the input schema cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the playbook schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(playbookSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal playbook schema: %w", err)
	}
	if err := c.AddResource(playbookSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add playbook schema resource: %w", err)
	}
	compiled, err := c.Compile(playbookSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile playbook schema: %w", err)
	}

	return &JSONSchemaValidator{
		playbookSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks a raw decoded document (e.g. from YAML) against the
// playbook schema. Unknown keys are rejected here, before they are silently
// dropped by decoding into schema.Playbook.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "playbook document is empty")
	}
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize playbook document").WithCause(err)
	}
	if err := v.playbookSchema.Validate(val); err != nil {
		return toEngineError(err)
	}
	return nil
}

// ValidatePlaybook checks a decoded playbook against the playbook schema.
func (v *JSONSchemaValidator) ValidatePlaybook(pb *schema.Playbook) error {
	if pb == nil {
		return schema.NewError(schema.ErrCodeValidation, "playbook is nil")
	}
	return v.ValidateDocument(pb)
}

// ValidateInputs checks caller-supplied run parameters against the types the
// playbook declares. Required parameters without a default must be present.
// Undeclared inputs are accepted.
func (v *JSONSchemaValidator) ValidateInputs(pb *schema.Playbook, params map[string]any) error {
	if pb == nil {
		return schema.NewError(schema.ErrCodeValidation, "playbook is nil")
	}
	if len(pb.Parameters) == 0 {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}

	raw, err := json.Marshal(inputSchema(pb.Parameters))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to build input schema").WithCause(err)
	}
	return v.ValidateInput(params, raw)
}

// ValidateInput validates input against a JSON Schema given as raw bytes.
// Compiled schemas are cached by their text.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// inputSchema renders parameter declarations as a JSON Schema object.
func inputSchema(defs []schema.ParameterDef) map[string]any {
	props := make(map[string]any, len(defs))
	required := []string{}
	for _, d := range defs {
		prop := map[string]any{}
		if t := jsonType(d.Type); t != "" {
			prop["type"] = t
		}
		if d.Description != "" {
			prop["description"] = d.Description
		}
		props[d.Name] = prop
		if d.Required && d.Default == nil {
			required = append(required, d.Name)
		}
	}
	return map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func jsonType(paramType string) string {
	switch paramType {
	case "string", "credential":
		return "string"
	case "integer", "number", "boolean", "object":
		return paramType
	case "list":
		return "array"
	}
	return ""
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("playbookd://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into a VALIDATION_ERROR
// whose details list every leaf violation.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0].String()).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// Violation is one leaf schema failure.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Path + ": " + v.Message
}

func collectViolations(verr *jsonschema.ValidationError) []Violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []Violation{{Path: loc, Message: verr.Error()}}
	}

	var out []Violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
