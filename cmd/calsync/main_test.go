package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beekhof/calensync/internal/config"
	"github.com/beekhof/calensync/internal/model"
)

const testConfig = `
[[accounts]]
name = "icloud"
type = "caldav"
server_url = "https://caldav.example.com"
username = "me@example.com"
password = "app-password"

[settings]
debounce_window = "2s"
`

// run executes the root command against a fresh SQLite store in dir.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	configFile, verbose, overrides = "", false, config.Overrides{}
	calendarAccount, calendarPlatformID, calendarName, calendarPrimary = "", "", "", false
	ruleSummary, ruleDescription, resyncDay = "", "", ""
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	cfgPath := filepath.Join(dir, "calensync.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfig), 0600))

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(append([]string{
		"--config", cfgPath,
		"--store-dsn", "sqlite://" + filepath.Join(dir, "state.db"),
	}, args...))
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "auth", "calendar", "rule", "resync", "renew-watches", "sweep", "verify"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}

	for _, flag := range []string{"config", "verbose", "google-credentials-path", "store-dsn", "listen-addr", "webhook-url"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(flag), "missing flag %s", flag)
	}
	assert.Equal(t, "v", rootCmd.PersistentFlags().Lookup("verbose").Shorthand)
}

func TestCalendarAddAndList(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "calendar", "add", "--account", "icloud", "--platform-id", "/calendars/work/", "--name", "Work", "--primary")
	require.NoError(t, err)
	assert.Contains(t, out, "Linked calendar Work (/calendars/work/)")

	out, err = run(t, dir, "calendar", "add", "--account", "icloud", "--platform-id", "en.usa#holiday@group.v.calendar.google.com")
	require.NoError(t, err)
	assert.Contains(t, out, "read-only")

	out, err = run(t, dir, "calendar", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Work (/calendars/work/)")
	assert.Contains(t, out, "primary")
	assert.Contains(t, out, "read-only")
}

func TestCalendarAdd_UnknownAccount(t *testing.T) {
	_, err := run(t, t.TempDir(), "calendar", "add", "--account", "nope", "--platform-id", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `account "nope" is not configured`)
}

func TestCalendarList_Empty(t *testing.T) {
	out, err := run(t, t.TempDir(), "calendar", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No calendars linked.")
}

func TestRuleAdd_UnknownCalendars(t *testing.T) {
	_, err := run(t, t.TempDir(), "rule", "add", "missing-src", "missing-dst")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestVerify_NoRules(t *testing.T) {
	_, err := run(t, t.TempDir(), "verify")
	assert.NoError(t, err)
}

func TestSweep_NothingDue(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, dir, "calendar", "add", "--account", "icloud", "--platform-id", "/calendars/work/")
	require.NoError(t, err)

	out, err := run(t, dir, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "Reconciled 0 calendar(s).")
}

func TestResync_InvalidDay(t *testing.T) {
	_, err := run(t, t.TempDir(), "resync", "--day", "tomorrow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --day value")
}

func TestAuth_RejectsCalDAVAccount(t *testing.T) {
	_, err := run(t, t.TempDir(), "auth", "icloud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only Google accounts use OAuth")
}

func TestNodeFlags(t *testing.T) {
	assert.Equal(t, "-", nodeFlags(model.CalendarNode{}))
	assert.Equal(t, "primary,read-only", nodeFlags(model.CalendarNode{Primary: true, ReadOnly: true}))
}
