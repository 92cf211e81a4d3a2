package playbooks

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbookd/internal/handlers"
	"github.com/rendis/playbookd/internal/validation"
	"github.com/rendis/playbookd/pkg/schema"
)

const restartYAML = `
name: restart-gateway
version: "1.2"
description: Restart a gateway and wait for it to come back.
domain: gateway
parameters:
  - name: host
    type: string
    required: true
  - name: wait
    type: string
    default: 2s
steps:
  - id: announce
    type: utility.log
    params:
      message: "restarting {{ parameter.host }}"
  - id: settle
    name: Let it settle
    type: utility.sleep
    params:
      duration: "{{ parameter.wait }}"
    timeout: 1m
    retry_count: 2
    retry_delay: 500ms
    backoff: linear
    on_failure: continue
`

const browserYAML = `
name: smoke
domain: browser
steps:
  - id: note
    type: utility.set_variable
    params:
      name: started
      value: true
`

func newLibrary(t *testing.T, dir string) *Library {
	t.Helper()
	reg := handlers.NewRegistry()
	require.NoError(t, reg.RegisterAll(handlers.UtilityHandlers(handlers.UtilityDeps{})...))
	v, err := validation.NewPlaybookValidator(reg)
	require.NoError(t, err)
	return NewLibrary(dir, v, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDecode(t *testing.T) {
	pb, doc, err := Decode([]byte(restartYAML))
	require.NoError(t, err)

	assert.Equal(t, "restart-gateway", pb.Name)
	assert.Equal(t, "restart-gateway@1.2", pb.Ref())
	assert.Equal(t, schema.DomainGateway, pb.Domain)
	require.Len(t, pb.Parameters, 2)
	assert.Equal(t, "2s", pb.Parameters[1].Default)
	require.Len(t, pb.Steps, 2)

	settle := pb.Steps[1]
	assert.Equal(t, "Let it settle", settle.Name)
	assert.Equal(t, "1m", settle.Timeout)
	assert.Equal(t, 2, settle.RetryCount)
	assert.Equal(t, "linear", settle.Backoff)
	assert.Equal(t, schema.OnFailureContinue, settle.OnFailure)

	raw, ok := doc.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gateway", raw["domain"])
}

func TestDecode_Errors(t *testing.T) {
	_, _, err := Decode([]byte("   \n"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, _, err = Decode([]byte("name: [unterminated"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestLibrary_Load(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "restart.yaml", restartYAML)
	writeFile(t, dir, "nested/smoke.yml", browserYAML)
	writeFile(t, dir, "README.md", "# not a playbook")
	writeFile(t, dir, ".hidden/skip.yaml", "name: [broken")

	lib := newLibrary(t, dir)
	res, err := lib.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"restart-gateway", "smoke"}, res.Loaded)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 2, lib.Len())

	pb, err := lib.Get("restart-gateway")
	require.NoError(t, err)
	assert.Len(t, pb.Steps, 2)

	_, err = lib.Get("restart-gateway@1.2")
	assert.NoError(t, err)
	_, err = lib.Get("restart-gateway@2.0")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	_, err = lib.Get("missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	list := lib.List()
	require.Len(t, list, 2)
	assert.Equal(t, "restart-gateway", list[0].Name)
	assert.Equal(t, 2, list[0].Steps)
	assert.Equal(t, schema.DomainBrowser, list[1].Domain)
	assert.Equal(t, filepath.Join(dir, "nested", "smoke.yml"), list[1].Path)
}

func TestLibrary_LoadSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.yaml", browserYAML)
	bad := writeFile(t, dir, "bad.yaml", `
name: bad
domain: gateway
steps:
  - id: click
    type: browser.click
    params:
      selector: "#go"
`)
	unknownKey := writeFile(t, dir, "typo.yaml", `
name: typo
domain: gateway
steps:
  - id: a
    type: utility.log
    retries: 3
    params:
      message: hi
`)
	dup := writeFile(t, dir, "zz-dup.yaml", browserYAML)

	lib := newLibrary(t, dir)
	res, err := lib.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"smoke"}, res.Loaded)
	require.Len(t, res.Failed, 3)
	assert.Contains(t, res.Failed[bad], "not allowed in a gateway playbook")
	assert.Contains(t, res.Failed, unknownKey)
	assert.Contains(t, res.Failed[dup], "already defined")
}

func TestLibrary_LoadMissingDir(t *testing.T) {
	lib := newLibrary(t, filepath.Join(t.TempDir(), "nope"))
	_, err := lib.Load()
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = newLibrary(t, "").Load()
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestLibrary_Reload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "smoke.yaml", browserYAML)

	lib := newLibrary(t, dir)
	_, err := lib.Load()
	require.NoError(t, err)
	require.Equal(t, 1, lib.Len())

	require.NoError(t, os.Remove(path))
	writeFile(t, dir, "restart.yaml", restartYAML)
	res, err := lib.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"restart-gateway"}, res.Loaded)

	_, err = lib.Get("smoke")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound), "reload replaces the whole set")
}

func TestLibrary_ParseReportsWarnings(t *testing.T) {
	lib := newLibrary(t, "")
	pb, report, err := lib.Parse([]byte(`
name: noisy
domain: designer
steps:
  - id: a
    type: utility.log
    retry_count: 50
    params:
      message: hi
`))
	require.NoError(t, err)
	assert.Equal(t, "noisy", pb.Name)
	assert.Len(t, report.Warnings, 1)
}

func TestLibrary_Add(t *testing.T) {
	lib := newLibrary(t, "")

	_, err := lib.Add(&schema.Playbook{Name: "empty", Domain: schema.DomainGateway})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	pb := &schema.Playbook{Name: "inline", Domain: schema.DomainGateway, Steps: []schema.Step{
		{ID: "a", Type: "utility.log", Params: map[string]any{"message": "hi"}},
	}}
	_, err = lib.Add(pb)
	require.NoError(t, err)

	got, err := lib.Get("inline")
	require.NoError(t, err)
	assert.Same(t, pb, got)

	report, ok := lib.Report("inline")
	require.True(t, ok)
	assert.True(t, report.Valid())
}

func TestLibrary_WithoutValidator(t *testing.T) {
	lib := NewLibrary("", nil, nil)
	pb, _, err := lib.Parse([]byte("name: loose\ndomain: gateway\nsteps: []\n"))
	require.NoError(t, err)
	assert.Equal(t, "loose", pb.Name)
}

func TestLibrary_ConcurrentReads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "smoke.yaml", browserYAML)
	lib := newLibrary(t, dir)
	_, err := lib.Load()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = lib.Get("smoke")
			_ = lib.List()
		}()
		go func() {
			defer wg.Done()
			_, _ = lib.Reload()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, lib.Len())
}
