package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/playbookd/internal/secrets"
	"github.com/rendis/playbookd/pkg/schema"
)

// Reference types accepted inside {{ }}.
const (
	RefCredential = "credential"
	RefVariable   = "variable"
	RefParameter  = "parameter"
)

// ValidRefTypes lists every accepted reference type.
var ValidRefTypes = []string{RefCredential, RefVariable, RefParameter}

// Reference is one parsed {{ type.name[.path] }} token.
type Reference struct {
	Type string // credential | variable | parameter
	Name string // first segment after the type
	Path string // remaining dotted path, may be empty
	Raw  string // the full token including braces
}

// Scope is the read-only snapshot a template is resolved against.
type Scope struct {
	Variables  map[string]any
	Parameters map[string]any
}

// Resolver substitutes {{ }} references in step parameters.
// Resolution is single-level: resolved values are never re-scanned.
type Resolver struct {
	creds secrets.CredentialStore
}

// NewResolver creates a Resolver. A nil credential store makes every
// credential reference fail.
func NewResolver(creds secrets.CredentialStore) *Resolver {
	return &Resolver{creds: creds}
}

// Resolve returns a copy of params with every reference substituted.
// The input map is never modified.
func (r *Resolver) Resolve(ctx context.Context, params map[string]any, scope Scope) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := r.resolveValue(ctx, v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (r *Resolver) resolveValue(ctx context.Context, v any, scope Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return r.resolveString(ctx, val, scope)
	case map[string]any:
		return r.Resolve(ctx, val, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *Resolver) resolveString(ctx context.Context, s string, scope Scope) (any, error) {
	toks, err := scan(s)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return s, nil
	}

	// A value that is exactly one reference keeps the native type.
	if len(toks) == 1 && toks[0].start == 0 && toks[0].end == len(s) {
		return r.lookup(ctx, toks[0].ref, scope)
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, tk := range toks {
		if tk.ref.Type == RefCredential && tk.ref.Path == "" {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"%s embeds a whole credential inside text; reference .username or .password instead", tk.ref.Raw).
				WithDetails(map[string]any{"reference": tk.ref.Raw})
		}
		val, err := r.lookup(ctx, tk.ref, scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(s[last:tk.start])
		b.WriteString(stringify(val))
		last = tk.end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func (r *Resolver) lookup(ctx context.Context, ref Reference, scope Scope) (any, error) {
	switch ref.Type {
	case RefCredential:
		return r.lookupCredential(ctx, ref)
	case RefVariable:
		return lookupMap(scope.Variables, ref, "variable")
	case RefParameter:
		return lookupMap(scope.Parameters, ref, "parameter")
	default:
		// scan rejects unknown types; kept for callers building References by hand.
		return nil, unknownTypeErr(ref.Type, ref.Raw)
	}
}

func (r *Resolver) lookupCredential(ctx context.Context, ref Reference) (any, error) {
	if r.creds == nil {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"cannot resolve %s: no credential store configured", ref.Raw)
	}
	cred, err := r.creds.GetCredential(ctx, ref.Name)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"credential %q could not be resolved: %s", ref.Name, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"reference": ref.Raw})
	}
	attrs := cred.Attributes()
	if ref.Path == "" {
		return attrs, nil
	}
	return traverse(attrs, ref.Path, ref.Raw)
}

func lookupMap(data map[string]any, ref Reference, kind string) (any, error) {
	val, ok := data[ref.Name]
	if !ok {
		available := sortedKeys(data)
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"%s %q not found in %s; available: [%s]", kind, ref.Name, ref.Raw, strings.Join(available, ", ")).
			WithDetails(map[string]any{"reference": ref.Raw, "available": available})
	}
	if ref.Path == "" {
		return val, nil
	}
	return traverse(val, ref.Path, ref.Raw)
}

// traverse navigates into nested maps and lists using a dot-delimited path.
func traverse(root any, path, raw string) (any, error) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				available := sortedKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeResolution,
					"field %q not found in %s; available: [%s]", seg, raw, strings.Join(available, ", ")).
					WithDetails(map[string]any{"reference": raw, "available": available})
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeResolution,
					"index %q out of range in %s (len %d)", seg, raw, len(v))
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"cannot traverse into %T at %q in %s", current, seg, raw)
		}
	}
	return current, nil
}

type token struct {
	start, end int
	ref        Reference
}

// scan tokenizes every {{ }} reference in s.
func scan(s string) ([]token, error) {
	var toks []token
	i := 0
	for {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			return toks, nil
		}
		start := i + idx
		body := start + 2

		end := strings.Index(s[body:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeResolution, "unclosed {{ in %q", s)
		}
		end += body

		inner := s[body:end]
		if strings.Contains(inner, "{{") {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"nested references are not supported in %q", s)
		}
		raw := s[start : end+2]
		ref, err := parseRef(strings.TrimSpace(inner), raw)
		if err != nil {
			return nil, err
		}
		toks = append(toks, token{start: start, end: end + 2, ref: ref})
		i = end + 2
	}
}

func parseRef(expr, raw string) (Reference, error) {
	if expr == "" {
		return Reference{}, schema.NewErrorf(schema.ErrCodeResolution, "empty reference %s", raw)
	}
	refType, rest, _ := strings.Cut(expr, ".")
	if !slices.Contains(ValidRefTypes, refType) {
		return Reference{}, unknownTypeErr(refType, raw)
	}
	name, path, _ := strings.Cut(rest, ".")
	if name == "" || strings.Contains(expr, "..") || strings.HasSuffix(expr, ".") {
		return Reference{}, schema.NewErrorf(schema.ErrCodeResolution,
			"malformed reference %s: expected %s.<name>", raw, refType)
	}
	return Reference{Type: refType, Name: name, Path: path, Raw: raw}, nil
}

func unknownTypeErr(refType, raw string) error {
	return schema.NewErrorf(schema.ErrCodeResolution,
		"unknown reference type %q in %s; valid: %s", refType, raw, strings.Join(ValidRefTypes, ", ")).
		WithDetails(map[string]any{"reference": raw, "valid_types": ValidRefTypes})
}

// References parses every reference in params, walking nested maps and lists.
// Used by load-time validation; it performs no lookups.
func References(params map[string]any) ([]Reference, error) {
	var refs []Reference
	var walk func(v any) error
	walk = func(v any) error {
		switch val := v.(type) {
		case string:
			toks, err := scan(val)
			if err != nil {
				return err
			}
			for _, tk := range toks {
				refs = append(refs, tk.ref)
			}
		case map[string]any:
			for _, k := range sortedKeys(val) {
				if err := walk(val[k]); err != nil {
					return err
				}
			}
		case []any:
			for _, item := range val {
				if err := walk(item); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(map[string]any(params)); err != nil {
		return nil, err
	}
	return refs, nil
}

// stringify renders a resolved value for embedding in surrounding text.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool, int, int64, float64, float32, int32, uint, uint64:
		return fmt.Sprint(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
