package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	// Verify expected subcommands are registered.
	expected := []string{"run", "rerun", "configs", "rubrics", "ideas", "runs", "serve", "worker", "enqueue"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "idea-eval", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"limit", "workers", "verify", "retry-failed"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run should have --%s flag", name)
	}
	assert.Equal(t, "0", runCmd.Flags().Lookup("limit").DefValue)
}

func TestRerunCommand_Flags(t *testing.T) {
	stage := rerunCmd.Flags().Lookup("stage")
	require.NotNil(t, stage, "rerun should have --stage flag")
	assert.NotNil(t, rerunCmd.Flags().Lookup("force"))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestConfigsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range configsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "add", "test", "activate", "deactivate"} {
		assert.True(t, names[name], "configs should have subcommand %q", name)
	}

	purpose := configsActivateCmd.Flags().Lookup("purpose")
	require.NotNil(t, purpose)
	assert.Equal(t, "evaluation", purpose.DefValue)
}

func TestRubricsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rubricsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["seed"])
}

func TestEnqueueCommand_Flags(t *testing.T) {
	for _, name := range []string{"limit", "verify", "retry-failed"} {
		assert.NotNil(t, enqueueCmd.Flags().Lookup(name), "enqueue should have --%s flag", name)
	}
}
