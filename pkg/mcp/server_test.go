package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlaybookServer(t *testing.T) {
	s := NewPlaybookServer(PlaybookServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
	assert.Same(t, s.mcpServer, s.MCPServer())
}

func TestToolRegistration(t *testing.T) {
	s := NewPlaybookServer(PlaybookServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	expectedTools := []string{
		"playbook.run",
		"playbook.status",
		"playbook.signal",
		"playbook.list",
		"execution.list",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"run", "playbook.run", "Start a playbook execution"},
		{"status", "playbook.status", "Get execution status"},
		{"signal", "playbook.signal", "Send a control signal to an execution"},
		{"list", "playbook.list", "List available playbooks"},
		{"executions", "execution.list", "List executions"},
	}

	s := NewPlaybookServer(PlaybookServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestSignalToolEnum(t *testing.T) {
	s := NewPlaybookServer(PlaybookServerDeps{})
	tool := s.mcpServer.GetTool("playbook.signal")
	require.NotNil(t, tool)

	prop, ok := tool.Tool.InputSchema.Properties["signal"].(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"pause", "resume", "skip", "skip_back", "cancel"}, prop["enum"])
	assert.Contains(t, tool.Tool.InputSchema.Required, "execution_id")
}
