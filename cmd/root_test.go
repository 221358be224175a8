package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"run", "retry", "executions", "workflow", "queue", "probe", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "rulesmith", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"file", "title", "url", "config-version", "eval-agent", "stop-after-extract"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run should have --%s", name)
	}
	flag := runCmd.Flags().Lookup("config-version")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestExecutionsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range executionsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "stats"} {
		assert.True(t, names[name], "executions should have subcommand %q", name)
	}
}

func TestWorkflowCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range workflowCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["show"])
	assert.True(t, names["apply"])
}

func TestProbeCommand_Flags(t *testing.T) {
	flag := probeCmd.Flags().Lookup("provider")
	require.NotNil(t, flag)
	assert.Equal(t, "local", flag.DefValue)
	assert.NotNil(t, probeCmd.Flags().Lookup("required"))
}
