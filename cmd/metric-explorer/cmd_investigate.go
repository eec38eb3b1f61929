package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MLMario/metric-explorer/internal/app"
	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
	"github.com/MLMario/metric-explorer/internal/reasoning/report"
	"github.com/MLMario/metric-explorer/internal/workspace"
)

var investigateFlags struct {
	sessionID       string
	metric          string
	definition      string
	businessContext string
	baseline        string
	comparison      string
	prompt          string
}

var investigateCmd = &cobra.Command{
	Use:   "investigate",
	Short: "Run an investigation in the foreground",
	Long: "Run the full workflow for a session and print the final status.\n" +
		"With --metric the investigation inputs are written to context.json first;\n" +
		"otherwise the existing context.json is used.",
	RunE: runInvestigate,
}

func init() {
	f := investigateCmd.Flags()
	f.StringVar(&investigateFlags.sessionID, "session", "", "Session ID (required)")
	f.StringVar(&investigateFlags.metric, "metric", "", "Target metric column")
	f.StringVar(&investigateFlags.definition, "definition", "", "How the metric is calculated")
	f.StringVar(&investigateFlags.businessContext, "business-context", "", "Business context for the agent")
	f.StringVar(&investigateFlags.baseline, "baseline", "", "Baseline period as START:END (YYYY-MM-DD)")
	f.StringVar(&investigateFlags.comparison, "comparison", "", "Comparison period as START:END (YYYY-MM-DD)")
	f.StringVar(&investigateFlags.prompt, "prompt", "", "Free-form investigation instructions")

	_ = investigateCmd.MarkFlagRequired("session")
}

func runInvestigate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, configPath())
	if err != nil {
		return err
	}
	defer a.Close()
	if a.LLMUnavailable != nil {
		return a.LLMUnavailable
	}

	if investigateFlags.metric != "" {
		root, err := a.Sessions.Existing(investigateFlags.sessionID)
		if err != nil {
			return err
		}
		c, err := contextFromFlags()
		if err != nil {
			return err
		}
		if err := workspace.SaveContext(root, c); err != nil {
			return fmt.Errorf("save context: %w", err)
		}
	}

	start := time.Now()
	final, err := a.RunSession(ctx, investigateFlags.sessionID)
	if err != nil {
		return fmt.Errorf("investigation failed: %w", err)
	}
	printOutcome(cmd, final, time.Since(start))
	if final.Status == investigation.StatusFailed {
		return fmt.Errorf("investigation failed: %s", final.Error)
	}
	return nil
}

func contextFromFlags() (workspace.Context, error) {
	baseline, err := parsePeriod("baseline", investigateFlags.baseline)
	if err != nil {
		return workspace.Context{}, err
	}
	comparison, err := parsePeriod("comparison", investigateFlags.comparison)
	if err != nil {
		return workspace.Context{}, err
	}
	return workspace.Context{
		TargetMetric:        investigateFlags.metric,
		MetricDefinition:    investigateFlags.definition,
		BusinessContext:     investigateFlags.businessContext,
		BaselinePeriod:      baseline,
		ComparisonPeriod:    comparison,
		InvestigationPrompt: investigateFlags.prompt,
	}, nil
}

// parsePeriod reads START:END.
func parsePeriod(name, v string) (investigation.DateRange, error) {
	start, end, ok := strings.Cut(v, ":")
	if !ok {
		return investigation.DateRange{}, fmt.Errorf("--%s must be START:END, got %q", name, v)
	}
	for _, d := range []string{start, end} {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return investigation.DateRange{}, fmt.Errorf("--%s: invalid date %q", name, d)
		}
	}
	if start > end {
		return investigation.DateRange{}, fmt.Errorf("--%s starts after it ends", name)
	}
	return investigation.DateRange{Start: start, End: end}, nil
}

func printOutcome(cmd *cobra.Command, s *investigation.State, elapsed time.Duration) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session:     %s\n", s.SessionID)
	fmt.Fprintf(out, "Metric:      %s\n", s.TargetMetric)
	fmt.Fprintf(out, "Status:      %s\n", s.Status)
	fmt.Fprintf(out, "Hypotheses:  %d (%d confirmed)\n", len(s.Hypotheses), len(s.ConfirmedFindings()))
	fmt.Fprintf(out, "Total time:  %s\n", report.FormatDuration(elapsed))
	if s.Error != "" {
		fmt.Fprintf(out, "Error:       %s\n", s.Error)
	}
	if s.ReportPath != "" {
		fmt.Fprintf(out, "Report:      %s\n", s.ReportPath)
	}
	if s.MemoryDocumentID != "" {
		fmt.Fprintf(out, "Memory doc:  %s\n", s.MemoryDocumentID)
	}
}
