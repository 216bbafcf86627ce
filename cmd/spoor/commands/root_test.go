package commands

import (
	"bytes"
	"testing"

	"github.com/dyluth/spoor/internal/printer"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs rootCmd with fresh flag values and returns everything written
// to stdout and stderr.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()

	color.NoColor = true
	buf := new(bytes.Buffer)
	restore := printer.SetOutput(buf, buf)
	defer restore()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append([]string{}, args...))

	err := rootCmd.Execute()
	return buf.String(), err
}

// resetFlags restores every package-level flag variable to its default.
// Cobra does not reset them between executions.
func resetFlags() {
	configPath, verbose = "", false
	forceInit, initDir = false, "."
	hashJSON = false
	trackProfile, trackEvent, trackKey = "", "", ""
	trackProps, trackFields = nil, nil
	trackLanding, trackReferrer, trackConsent, trackJSON = "", "", "", false
	handoffProfile, handoffExtra = "", nil
	identityShortID, identityOutput = "", "default"
	identityMinVisits, identityMinValue, identityMatched = 0, 0, false
	serveAddr = ""
	watchEvent, watchSink, watchFailed = "", "", false
	watchSince, watchUntil, watchOutput = "", "", "default"
}

// TestRootCommand_ShowsHelpWhenNoSubcommand tests that the root command
// shows help instead of silently succeeding when invoked without a subcommand
func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	output, err := execute(t)

	// Should show help (which returns nil error in cobra)
	assert.NoError(t, err)
	assert.Contains(t, output, "Usage:", "Help should be displayed")
	assert.Contains(t, output, "spoor", "Help should show command name")
}

// TestRootCommand_RejectsUnknownFlags tests that unknown flags
// passed to the root command cause an error instead of being silently ignored
func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	_, err := execute(t, "--unknown-flag", "value")
	require.Error(t, err, "Unknown flag should cause an error")
	assert.Contains(t, err.Error(), "unknown flag", "Error should mention unknown flag")
}

// TestRootCommand_RejectsSubcommandFlags tests that flags meant for
// subcommands (like --event) are rejected when passed to root command
func TestRootCommand_RejectsSubcommandFlags(t *testing.T) {
	_, err := execute(t, "--event", "Purchase")
	require.Error(t, err, "Subcommand flag passed to root should cause error")
	assert.Contains(t, err.Error(), "unknown flag: --event")
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"init", "hash", "track", "handoff", "identity", "serve", "watch"} {
		assert.Contains(t, names, want)
	}
}

func TestSetVersionInfo(t *testing.T) {
	prev := rootCmd.Version
	defer func() { rootCmd.Version = prev }()

	SetVersionInfo("1.2.3", "abc123", "2026-01-01")
	assert.Equal(t, "1.2.3 (commit: abc123, built: 2026-01-01)", rootCmd.Version)
	assert.Equal(t, "1.2.3", version)
	SetVersionInfo("dev", "", "")
}

func TestPrinted(t *testing.T) {
	assert.True(t, printed(printedError{assert.AnError}))
	assert.False(t, printed(assert.AnError))
}
