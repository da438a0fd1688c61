package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"serve", "assign", "recommend", "manual-assign", "override", "migrate", "seed", "relay"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "assignment-service", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	require.NotNil(t, serveCmd.Flags().Lookup("no-relay"))
}

func TestRecommendCommand_Flags(t *testing.T) {
	flag := recommendCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestAdminCommands_RequiredFlags(t *testing.T) {
	for _, name := range []string{"ca", "admin"} {
		f := manualAssignCmd.Flags().Lookup(name)
		require.NotNil(t, f, "manual-assign should have --%s", name)
		assert.Equal(t, []string{"true"}, f.Annotations["cobra_annotation_bash_completion_one_required_flag"])
	}
	for _, name := range []string{"ca", "admin", "reason"} {
		f := overrideCmd.Flags().Lookup(name)
		require.NotNil(t, f, "override should have --%s", name)
		assert.Equal(t, []string{"true"}, f.Annotations["cobra_annotation_bash_completion_one_required_flag"])
	}
	require.NotNil(t, manualAssignCmd.Flags().Lookup("override-specialization"))
}

func TestSeedAndRelayCommand_Flags(t *testing.T) {
	f := seedCmd.Flags().Lookup("file")
	require.NotNil(t, f)
	assert.Equal(t, "fixtures.yaml", f.DefValue)

	once := relayCmd.Flags().Lookup("once")
	require.NotNil(t, once)
	assert.Equal(t, "false", once.DefValue)
}

func TestCommands_RequireRequestID(t *testing.T) {
	for _, c := range []*cobra.Command{assignCmd, recommendCmd, manualAssignCmd, overrideCmd} {
		assert.Error(t, c.Args(c, nil), c.Name())
		assert.NoError(t, c.Args(c, []string{"req-1"}), c.Name())
	}
}
