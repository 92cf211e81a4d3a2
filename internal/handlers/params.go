package handlers

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/rendis/playbookd/pkg/schema"
)

// Param helpers used by all handler files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// durationParam accepts a Go duration string ("1.5s") or a number of seconds.
func durationParam(m map[string]any, key string, defaultVal time.Duration) (time.Duration, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return defaultVal, nil
	}
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(d))
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "param %q: invalid duration %q", key, d)
		}
		return parsed, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "param %q: expected duration, got %T", key, v)
	}
}

// requireParams fails with VALIDATION_ERROR when any key is absent or empty.
func requireParams(stepType string, params map[string]any, keys ...string) error {
	for _, k := range keys {
		v, ok := params[k]
		if !ok || v == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param '%s'", stepType, k)
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: param '%s' is empty", stepType, k)
		}
	}
	return nil
}

func execErr(stepType, format string, args ...any) *schema.EngineError {
	return schema.NewError(schema.ErrCodeStepExecution, stepType+": "+fmt.Sprintf(format, args...))
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// withDetails returns a copy of err's EngineError with extra details merged in.
func withDetails(err error, details map[string]any) error {
	engErr := schema.AsEngineError(err)
	cp := *engErr
	cp.Details = maps.Clone(engErr.Details)
	if cp.Details == nil {
		cp.Details = make(map[string]any, len(details))
	}
	maps.Copy(cp.Details, details)
	return &cp
}
