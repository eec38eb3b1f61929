package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/MLMario/metric-explorer/internal/db"
	"github.com/MLMario/metric-explorer/internal/memory/ledger"
	"github.com/MLMario/metric-explorer/internal/memory/progress"
	"github.com/MLMario/metric-explorer/internal/reasoning/report"
	"github.com/MLMario/metric-explorer/internal/workspace"
)

var artifactFlags struct {
	sessionID string
	asJSON    bool
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Print the findings ledger of a session",
	RunE:  runLedger,
}

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Print the progress log of a session",
	RunE:  runProgress,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the report of a session",
	RunE:  runReport,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest run of a session from the run index",
	RunE:  runStatus,
}

func init() {
	for _, c := range []*cobra.Command{ledgerCmd, progressCmd, reportCmd, statusCmd} {
		c.Flags().StringVar(&artifactFlags.sessionID, "session", "", "Session ID (required)")
		_ = c.MarkFlagRequired("session")
	}
	ledgerCmd.Flags().BoolVar(&artifactFlags.asJSON, "json", false, "Print the raw ledger JSON")
}

func runLedger(cmd *cobra.Command, _ []string) error {
	root, _, err := sessionRoot(cmd.Context(), artifactFlags.sessionID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(ledger.Path(root)); err != nil {
		return fmt.Errorf("no findings ledger for session %s", artifactFlags.sessionID)
	}
	l, err := ledger.NewStore(nil).Read(root)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if artifactFlags.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(l)
	}
	fmt.Fprintf(out, "Session:    %s\n", l.SessionID)
	fmt.Fprintf(out, "Updated:    %s\n", l.UpdatedAt)
	fmt.Fprintf(out, "Hypotheses: %d (confirmed %d, ruled out %d, pending %d)\n",
		l.Summary.TotalHypotheses, l.Summary.Confirmed, l.Summary.RuledOut, l.Summary.Pending)
	if len(l.Findings) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	for _, f := range l.Findings {
		fmt.Fprintf(out, "%-4s %-10s %-6s %s\n", f.HypothesisID, f.Outcome, f.Confidence, f.Evidence)
	}
	return nil
}

func runProgress(cmd *cobra.Command, _ []string) error {
	root, _, err := sessionRoot(cmd.Context(), artifactFlags.sessionID)
	if err != nil {
		return err
	}
	content, err := progress.Read(root)
	if err != nil {
		return err
	}
	if content == "" {
		return fmt.Errorf("no progress log for session %s", artifactFlags.sessionID)
	}
	fmt.Fprint(cmd.OutOrStdout(), content)
	return nil
}

func runReport(cmd *cobra.Command, _ []string) error {
	root, _, err := sessionRoot(cmd.Context(), artifactFlags.sessionID)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, workspace.ReportFile))
	if errors.Is(err, os.ErrNotExist) {
		if runErr, rerr := workspace.ReadError(root); rerr == nil {
			return fmt.Errorf("no report: the last run failed at %s: %s", runErr.Timestamp, runErr.Error)
		}
		return fmt.Errorf("no report for session %s", artifactFlags.sessionID)
	}
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(content))
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.GetInvestigation(cmd.Context(), artifactFlags.sessionID)
	if errors.Is(err, db.ErrNotFound) {
		fmt.Fprintf(cmd.OutOrStdout(), "No investigation recorded for session %s\n", artifactFlags.sessionID)
		return nil
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session:     %s\n", rec.SessionID)
	fmt.Fprintf(out, "Run:         %s\n", rec.RunID)
	fmt.Fprintf(out, "Metric:      %s\n", rec.TargetMetric)
	fmt.Fprintf(out, "Status:      %s\n", rec.Status)
	fmt.Fprintf(out, "Hypotheses:  %d (%d confirmed)\n", rec.Hypotheses, rec.Confirmed)
	fmt.Fprintf(out, "Tokens:      %d ($%.4f)\n", rec.TotalTokens, rec.CostUSD)
	fmt.Fprintf(out, "Started:     %s\n", rec.StartedAt.Format(time.RFC3339))
	if rec.FinishedAt != nil {
		fmt.Fprintf(out, "Duration:    %s\n", report.FormatDuration(rec.FinishedAt.Sub(rec.StartedAt)))
	}
	if rec.Error != "" {
		fmt.Fprintf(out, "Error:       %s\n", rec.Error)
	}
	return nil
}
