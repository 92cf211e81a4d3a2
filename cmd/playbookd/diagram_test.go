package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbookd/pkg/schema"
)

func TestDiagram_Playbook(t *testing.T) {
	cfg := testConfig(t)
	var stdout, stderr bytes.Buffer

	require.Equal(t, 0, runDiagram([]string{"greet"}, cfg, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "=== greet@1 ===")
	assert.Contains(t, stdout.String(), "remember (utility.set_variable)")

	stdout.Reset()
	require.Equal(t, 0, runDiagram([]string{"-format", "mermaid", "greet"}, cfg, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "graph TD")
}

func TestDiagram_WritesImage(t *testing.T) {
	cfg := testConfig(t)
	out := filepath.Join(t.TempDir(), "greet.png")
	var stdout, stderr bytes.Buffer

	require.Equal(t, 0, runDiagram([]string{"-format", "png", "-o", out, "greet"}, cfg, &stdout, &stderr), stderr.String())
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), data[:4])
}

func TestDiagram_Execution(t *testing.T) {
	cfg := testConfig(t)
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, runPlaybook([]string{"-json", "-p", "host=h", "greet"}, cfg, &stdout, &stderr), stderr.String())

	var st schema.ExecutionState
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &st))

	stdout.Reset()
	code := runDiagram([]string{"-execution", st.ExecutionID}, cfg, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "[OK]")
}

func TestDiagram_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{name: "no target", args: nil, code: 2},
		{name: "png without output", args: []string{"-format", "png", "greet"}, code: 2},
		{name: "unknown format", args: []string{"-format", "gif", "greet"}, code: 2},
		{name: "unknown playbook", args: []string{"missing"}, code: 1},
		{name: "unknown execution", args: []string{"-execution", "nope"}, code: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			var stdout, stderr bytes.Buffer
			assert.Equal(t, tt.code, runDiagram(tt.args, cfg, &stdout, &stderr))
			assert.NotEmpty(t, stderr.String())
		})
	}
}
