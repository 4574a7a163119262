package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunServer(t *testing.T) {
	s := NewRunServer(RunServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewRunServer(RunServerDeps{})

	expected := []string{
		"run.create", "run.get", "run.list", "run.approve", "run.reject",
		"run.cancel", "run.pause", "run.unpause", "run.retry", "run.resume",
		"run.clone", "run.events", "run.attempts", "run.graph", "run.assets",
	}
	require.Len(t, s.mcpServer.ListTools(), len(expected))
	for _, name := range expected {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	s := NewRunServer(RunServerDeps{})

	tests := []struct {
		tool     string
		required []string
	}{
		{"run.get", []string{"run_id"}},
		{"run.resume", []string{"run_id", "step"}},
		{"run.assets", []string{"run_id", "action"}},
		{"run.create", nil},
	}
	for _, tc := range tests {
		t.Run(tc.tool, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.tool)
			require.NotNil(t, tool)
			assert.NotEmpty(t, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}
