package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rustyeddy/nightguard/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command. Flags are package state, so these tests
// do not run in parallel.
func execute(t *testing.T, args ...string) string {
	t.Helper()

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		demoDryRun, demoRejects, demoOut = false, 0, ""
		journalType, journalPath, journalFrom, journalTo = "", "", "", ""
		journalXLSX = "nightguard-report.xlsx"
		configPath, logLevel = "nightguard.yaml", ""
	})

	require.NoError(t, rootCmd.Execute(), buf.String())
	return buf.String()
}

func TestVersion(t *testing.T) {
	out := execute(t, "version")
	assert.Contains(t, out, "nightguard version "+version)
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ng.yaml")

	out := execute(t, "config", "init", "-o", path)
	assert.Contains(t, out, "Created default configuration")

	out = execute(t, "config", "validate", "-c", path)
	assert.Contains(t, out, "Configuration valid")
	assert.Contains(t, out, "Broker: sim")
}

func TestRulesCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.csv")
	require.NoError(t, os.WriteFile(path, []byte("Symbol,StopT,Magics\nEURUSD,22:00,\nGBPUSD,23:30,101;102\n"), 0o644))

	out := execute(t, "rules", "check", path, "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Contains(t, out, "2 rules")
	assert.Contains(t, out, "EURUSD")
	assert.Contains(t, out, "[101 102]")
}

func TestDemo_ThenJournal(t *testing.T) {
	dir := t.TempDir()
	report := filepath.Join(dir, "demo.csv")

	out := execute(t, "demo", "--rejects", "2", "--out", report)
	assert.Contains(t, out, "Submitted 5 close orders")
	assert.Contains(t, out, "still open: 1003 GBPUSD")

	rows, err := journal.ReadCSV(report)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	out = execute(t, "journal", "list", "--type", "csv", "--path", report, "--from", "2026-03-10", "--to", "2026-03-10")
	assert.Contains(t, out, ":POSITION_ID: 1001")
	assert.NotContains(t, out, ":POSITION_ID: 1003")

	xlsx := filepath.Join(dir, "demo.xlsx")
	out = execute(t, "journal", "export", "--type", "csv", "--path", report, "--xlsx", xlsx)
	assert.Contains(t, out, "Exported 3 rows")
	_, err = os.Stat(xlsx)
	require.NoError(t, err)
}

func TestDemo_DryRun(t *testing.T) {
	out := execute(t, "demo", "--dry-run")
	assert.Contains(t, out, "Submitted 0 close orders, 3 rows reported")
	assert.Contains(t, out, "simulated")
}
