package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLMario/metric-explorer/internal/db"
	"github.com/MLMario/metric-explorer/internal/memory/ledger"
	"github.com/MLMario/metric-explorer/internal/memory/progress"
	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
	"github.com/MLMario/metric-explorer/internal/workspace"
)

type cliEnv struct {
	dir      string
	config   string
	sessions string
	index    string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{
		dir:      dir,
		config:   filepath.Join(dir, "metric-explorer.yaml"),
		sessions: filepath.Join(dir, "sessions"),
		index:    filepath.Join(dir, "index.db"),
	}
	yaml := fmt.Sprintf(`session:
  storage_path: %s
database:
  sqlite_path: %s
logging:
  level: error
  audit_log_path: %s
memory:
  backend: none
`, env.sessions, env.index, filepath.Join(dir, "logs", "audit.log"))
	require.NoError(t, os.WriteFile(env.config, []byte(yaml), 0o644))
	return env
}

func (e *cliEnv) session(t *testing.T, id string) string {
	t.Helper()
	root := filepath.Join(e.sessions, id)
	require.NoError(t, os.MkdirAll(root, 0o755))
	return root
}

func (e *cliEnv) run(args ...string) (string, error) {
	artifactFlags.asJSON = false
	investigateFlags = struct {
		sessionID       string
		metric          string
		definition      string
		businessContext string
		baseline        string
		comparison      string
		prompt          string
	}{}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLedgerCommand(t *testing.T) {
	env := newCLIEnv(t)
	root := env.session(t, "s1")

	store := ledger.NewStore(nil)
	require.NoError(t, store.Initialize(root))
	_, err := store.Append(root, investigation.Finding{
		FindingID:    "F1",
		HypothesisID: "H1",
		Outcome:      investigation.OutcomeConfirmed,
		Evidence:     "mobile conversion fell 12%",
		Confidence:   investigation.ConfidenceHigh,
	})
	require.NoError(t, err)

	out, err := env.run("ledger", "--session", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "confirmed 1")
	assert.Contains(t, out, "H1")
	assert.Contains(t, out, "mobile conversion fell 12%")

	out, err = env.run("ledger", "--session", "s1", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"hypothesis_id": "H1"`)
}

func TestLedgerCommandWithoutLedger(t *testing.T) {
	env := newCLIEnv(t)
	env.session(t, "s1")

	_, err := env.run("ledger", "--session", "s1")
	assert.ErrorContains(t, err, "no findings ledger")
}

func TestProgressCommand(t *testing.T) {
	env := newCLIEnv(t)
	root := env.session(t, "s1")

	_, err := env.run("progress", "--session", "s1")
	assert.ErrorContains(t, err, "no progress log")

	require.NoError(t, progress.New(root, nil).InvestigationStarted())
	out, err := env.run("progress", "--session", "s1")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestReportCommand(t *testing.T) {
	env := newCLIEnv(t)
	root := env.session(t, "s1")

	_, err := env.run("report", "--session", "s1")
	assert.ErrorContains(t, err, "no report for session s1")

	require.NoError(t, workspace.WriteError(root, fmt.Errorf("llm timeout")))
	_, err = env.run("report", "--session", "s1")
	assert.ErrorContains(t, err, "llm timeout")

	require.NoError(t, os.WriteFile(filepath.Join(root, workspace.ReportFile), []byte("# Report: revenue\n"), 0o644))
	out, err := env.run("report", "--session", "s1")
	require.NoError(t, err)
	assert.Equal(t, "# Report: revenue\n", out)
}

func TestArtifactCommandsRejectUnknownSession(t *testing.T) {
	env := newCLIEnv(t)

	for _, name := range []string{"ledger", "progress", "report"} {
		_, err := env.run(name, "--session", "nope")
		assert.ErrorIs(t, err, workspace.ErrSessionNotFound, name)
	}
	_, err := env.run("report", "--session", "../etc")
	assert.ErrorIs(t, err, workspace.ErrInvalidSessionID)
}

func TestStatusCommand(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run("status", "--session", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "No investigation recorded")

	store, err := db.NewSQLiteStore(env.index)
	require.NoError(t, err)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(95 * time.Second)
	require.NoError(t, store.SaveInvestigation(context.Background(), &db.InvestigationRecord{
		SessionID:    "s1",
		RunID:        "run-1",
		TargetMetric: "revenue",
		Status:       string(investigation.StatusCompleted),
		Hypotheses:   3,
		Confirmed:    1,
		StartedAt:    started,
		FinishedAt:   &finished,
	}))
	require.NoError(t, store.Close())

	out, err = env.run("status", "--session", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "3 (1 confirmed)")
}

func TestInvestigateRequiresSession(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run("investigate")
	assert.ErrorContains(t, err, `required flag(s) "session" not set`)
}

func TestInvestigateWithoutCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	env := newCLIEnv(t)
	env.session(t, "s1")

	_, err := env.run("investigate", "--session", "s1")
	assert.Error(t, err)
}

func TestParsePeriod(t *testing.T) {
	r, err := parsePeriod("baseline", "2026-01-01:2026-01-31")
	require.NoError(t, err)
	assert.Equal(t, investigation.DateRange{Start: "2026-01-01", End: "2026-01-31"}, r)

	for _, bad := range []string{"", "2026-01-01", "2026-01-31:2026-01-01", "2026-13-01:2026-12-31"} {
		_, err := parsePeriod("baseline", bad)
		assert.Error(t, err, bad)
	}
}
