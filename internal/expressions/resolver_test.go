package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/rendis/playbookd/internal/secrets"
	"github.com/rendis/playbookd/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingCreds struct{ err error }

func (f failingCreds) GetCredential(context.Context, string) (*secrets.Credential, error) {
	return nil, f.err
}

func testResolver() *Resolver {
	return NewResolver(secrets.StaticCredentials{
		"gateway_admin": {Username: "admin", Password: "s3cret"},
	})
}

func testScope() Scope {
	return Scope{
		Variables: map[string]any{
			"project":  "water-plant",
			"modules":  []any{"perspective", "reporting"},
			"response": map[string]any{"status": map[string]any{"code": 200}},
		},
		Parameters: map[string]any{
			"host":    "gw.local",
			"port":    8088,
			"verbose": true,
		},
	}
}

func TestResolve_NoReferences(t *testing.T) {
	r := testResolver()
	params := map[string]any{"url": "http://example.com", "count": 3}

	out, err := r.Resolve(context.Background(), params, testScope())
	require.NoError(t, err)
	assert.Equal(t, params, out)
}

func TestResolve_WholeValueKeepsNativeType(t *testing.T) {
	r := testResolver()
	out, err := r.Resolve(context.Background(), map[string]any{
		"port":    "{{ parameter.port }}",
		"verbose": "{{parameter.verbose}}",
		"modules": "{{ variable.modules }}",
	}, testScope())
	require.NoError(t, err)

	assert.Equal(t, 8088, out["port"])
	assert.Equal(t, true, out["verbose"])
	assert.Equal(t, []any{"perspective", "reporting"}, out["modules"])
}

func TestResolve_EmbeddedIsStringified(t *testing.T) {
	r := testResolver()
	out, err := r.Resolve(context.Background(), map[string]any{
		"url": "http://{{ parameter.host }}:{{ parameter.port }}/data/{{ variable.project }}",
	}, testScope())
	require.NoError(t, err)
	assert.Equal(t, "http://gw.local:8088/data/water-plant", out["url"])
}

func TestResolve_EmbeddedListIsJSON(t *testing.T) {
	r := testResolver()
	out, err := r.Resolve(context.Background(), map[string]any{
		"msg": "modules: {{ variable.modules }}",
	}, testScope())
	require.NoError(t, err)
	assert.Equal(t, `modules: ["perspective","reporting"]`, out["msg"])
}

func TestResolve_Credential(t *testing.T) {
	r := testResolver()
	out, err := r.Resolve(context.Background(), map[string]any{
		"auth": "{{ credential.gateway_admin }}",
		"user": "{{ credential.gateway_admin.username }}",
		"line": "user={{ credential.gateway_admin.username }}",
	}, testScope())
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"username": "admin", "password": "s3cret"}, out["auth"])
	assert.Equal(t, "admin", out["user"])
	assert.Equal(t, "user=admin", out["line"])
}

func TestResolve_WholeCredentialEmbeddedInText(t *testing.T) {
	r := testResolver()
	_, err := r.Resolve(context.Background(), map[string]any{
		"line": "creds: {{ credential.gateway_admin }}",
	}, testScope())
	assert.Equal(t, schema.ErrCodeResolution, schema.CodeOf(err))
}

func TestResolve_MissingCredential(t *testing.T) {
	r := testResolver()
	_, err := r.Resolve(context.Background(), map[string]any{"auth": "{{ credential.missing }}"}, testScope())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeResolution, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "missing")
}

func TestResolve_CredentialStoreFailure(t *testing.T) {
	boom := errors.New("vault sealed")
	r := NewResolver(failingCreds{err: boom})
	_, err := r.Resolve(context.Background(), map[string]any{"a": "{{ credential.x }}"}, Scope{})
	assert.Equal(t, schema.ErrCodeResolution, schema.CodeOf(err))
	assert.ErrorIs(t, err, boom)
}

func TestResolve_NoCredentialStore(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve(context.Background(), map[string]any{"a": "{{ credential.x }}"}, Scope{})
	assert.Equal(t, schema.ErrCodeResolution, schema.CodeOf(err))
}

func TestResolve_MissingVariableListsAvailable(t *testing.T) {
	r := testResolver()
	_, err := r.Resolve(context.Background(), map[string]any{"x": "{{ variable.nope }}"}, testScope())
	require.Error(t, err)

	engErr := schema.AsEngineError(err)
	assert.Equal(t, schema.ErrCodeResolution, engErr.Code)
	assert.Equal(t, []string{"modules", "project", "response"}, engErr.Details["available"])
}

func TestResolve_UnknownTypeNamesValidSet(t *testing.T) {
	r := testResolver()
	_, err := r.Resolve(context.Background(), map[string]any{"x": "{{ secret.token }}"}, testScope())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeResolution, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "credential, variable, parameter")
}

func TestResolve_NestedPath(t *testing.T) {
	r := testResolver()
	out, err := r.Resolve(context.Background(), map[string]any{
		"code":  "{{ variable.response.status.code }}",
		"first": "{{ variable.modules.0 }}",
	}, testScope())
	require.NoError(t, err)
	assert.Equal(t, 200, out["code"])
	assert.Equal(t, "perspective", out["first"])
}

func TestResolve_MalformedTokens(t *testing.T) {
	r := testResolver()
	cases := map[string]string{
		"unclosed": "{{ variable.project",
		"nested":   "{{ variable.{{ parameter.host }} }}",
		"empty":    "{{ }}",
		"no name":  "{{ variable }}",
		"trailing": "{{ variable.project. }}",
	}
	for name, tpl := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), map[string]any{"x": tpl}, testScope())
			assert.Equal(t, schema.ErrCodeResolution, schema.CodeOf(err))
		})
	}
}

func TestResolve_RecursesIntoMapsAndLists(t *testing.T) {
	r := testResolver()
	out, err := r.Resolve(context.Background(), map[string]any{
		"body": map[string]any{
			"target": "{{ parameter.host }}",
			"items":  []any{"{{ variable.project }}", 7},
		},
	}, testScope())
	require.NoError(t, err)

	body := out["body"].(map[string]any)
	assert.Equal(t, "gw.local", body["target"])
	assert.Equal(t, []any{"water-plant", 7}, body["items"])
}

func TestResolve_NoSecondPass(t *testing.T) {
	r := testResolver()
	scope := Scope{Variables: map[string]any{"tpl": "{{ parameter.host }}"}, Parameters: map[string]any{"host": "h"}}

	out, err := r.Resolve(context.Background(), map[string]any{"x": "{{ variable.tpl }}"}, scope)
	require.NoError(t, err)
	assert.Equal(t, "{{ parameter.host }}", out["x"])
}

func TestResolve_IsPureAndIdempotent(t *testing.T) {
	r := testResolver()
	params := map[string]any{
		"url":  "http://{{ parameter.host }}",
		"auth": "{{ credential.gateway_admin }}",
		"list": []any{"{{ variable.project }}"},
	}
	scope := testScope()

	first, err := r.Resolve(context.Background(), params, scope)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), params, scope)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "http://{{ parameter.host }}", params["url"], "input must not be mutated")
	assert.Equal(t, testScope(), scope)
}

func TestReferences(t *testing.T) {
	refs, err := References(map[string]any{
		"a": "{{ parameter.host }}:{{ parameter.port }}",
		"b": map[string]any{"c": []any{"{{ credential.gw.password }}"}},
	})
	require.NoError(t, err)
	require.Len(t, refs, 3)

	assert.Equal(t, Reference{Type: RefParameter, Name: "host", Raw: "{{ parameter.host }}"}, refs[0])
	assert.Equal(t, RefCredential, refs[2].Type)
	assert.Equal(t, "gw", refs[2].Name)
	assert.Equal(t, "password", refs[2].Path)
}

func TestReferences_Invalid(t *testing.T) {
	_, err := References(map[string]any{"a": "{{ bogus.x }}"})
	assert.Equal(t, schema.ErrCodeResolution, schema.CodeOf(err))
}
