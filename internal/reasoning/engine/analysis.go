package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MLMario/metric-explorer/internal/audit"
	"github.com/MLMario/metric-explorer/internal/llm/types"
	"github.com/MLMario/metric-explorer/internal/memory/sessionlog"
	"github.com/MLMario/metric-explorer/internal/metrics"
	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
	"github.com/MLMario/metric-explorer/internal/reasoning/prompt"
	"github.com/MLMario/metric-explorer/internal/workspace"
)

const (
	turnTextLimit     = 500
	transcriptLimit   = 20000
	toolResultExcerpt = 1000
)

func (e *engineImpl) analysisExecution(ctx context.Context, r *run, s *investigation.State) Update {
	if err := e.ledger.Initialize(r.root); err != nil {
		e.progressError(r, fmt.Sprintf("Findings ledger initialization failed: %v", err))
	}
	e.note(r, r.progress.InvestigationStarted())

	files := e.stageFiles(r, s)
	schemaSummary := SchemaSummary(s.DataModel)

	statuses := make(map[string]investigation.HypothesisStatus, len(s.Hypotheses))
	var findings []investigation.Finding
	var logs []investigation.SessionLog
	confirmed := 0

	for _, h := range s.Hypotheses {
		if h.Status.Terminal() {
			continue
		}
		e.logger.Info("Investigating hypothesis",
			zap.String("session_id", r.sessionID),
			zap.String("hypothesis_id", h.ID),
			zap.String("title", h.Title))
		e.note(r, r.progress.HypothesisStarted(h.ID, h.Title))
		if r.commit != nil {
			r.commit(Update{StatusChanges: map[string]investigation.HypothesisStatus{h.ID: investigation.HypothesisInvestigating}})
		}
		e.publish(Event{SessionID: r.sessionID, Type: EventHypothesis, Stage: StageAnalysisExecution,
			HypothesisID: h.ID, HypothesisStatus: investigation.HypothesisInvestigating})
		if e.audit != nil {
			_ = e.audit.Log(ctx, audit.NewEvent(audit.EventHypothesisStarted).
				WithSessionID(r.sessionID).
				WithHypothesis(h.ID).
				WithDescription(h.Title).
				WithResult(audit.ResultPending))
		}

		finding, log, err := e.investigate(ctx, r, s, h, files, schemaSummary)
		if err != nil {
			e.logger.Error("Hypothesis investigation failed",
				zap.String("session_id", r.sessionID),
				zap.String("hypothesis_id", h.ID),
				zap.Error(err))
			e.progressError(r, fmt.Sprintf("Investigation of %s failed: %v", h.ID, err))
		}

		if _, aerr := e.ledger.Append(r.root, finding); aerr != nil {
			e.logger.Error("Failed to append finding", zap.String("hypothesis_id", h.ID), zap.Error(aerr))
			e.progressError(r, fmt.Sprintf("Recording finding for %s failed: %v", h.ID, aerr))
		}
		statuses[h.ID] = finding.Outcome.Status()
		findings = append(findings, finding)
		if log != nil {
			logs = append(logs, *log)
		}
		if finding.Outcome == investigation.OutcomeConfirmed {
			confirmed++
		}

		recordOutcome(finding.Outcome)
		e.note(r, r.progress.HypothesisCompleted(h.ID, h.Title, string(finding.Outcome)))
		e.publish(Event{SessionID: r.sessionID, Type: EventHypothesis, Stage: StageAnalysisExecution,
			HypothesisID: h.ID, HypothesisStatus: statuses[h.ID], Outcome: finding.Outcome})
		if e.audit != nil {
			_ = e.audit.LogHypothesisCompleted(ctx, r.sessionID, h.ID, string(finding.Outcome))
		}
	}

	e.note(r, r.progress.InvestigationCompleted(confirmed, len(s.Hypotheses)))
	e.logger.Info("Analysis execution complete",
		zap.String("session_id", r.sessionID),
		zap.Int("confirmed", confirmed),
		zap.Int("total", len(s.Hypotheses)))

	return Update{StatusChanges: statuses, Findings: findings, SessionLogs: logs}
}

// stageFiles copies the inputs into analysis/files and returns the base
// names offered to the agent. Without copies it falls back to the original
// paths in the state.
func (e *engineImpl) stageFiles(r *run, s *investigation.State) []string {
	target := filepath.Join(r.root, workspace.AnalysisFilesDir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		e.logger.Warn("Failed to create analysis directory", zap.String("path", target), zap.Error(err))
	}
	var copied []string
	if e.stager != nil {
		var err error
		copied, err = e.stager.CopyFiles(r.sessionID, target)
		if err != nil {
			e.logger.Warn("Failed to stage files", zap.String("session_id", r.sessionID), zap.Error(err))
			e.progressError(r, fmt.Sprintf("Staging input files failed: %v", err))
		}
	}
	if len(copied) == 0 {
		for _, f := range s.Files {
			if f.Path != "" {
				copied = append(copied, f.Path)
			}
		}
	}
	names := make([]string, len(copied))
	for i, p := range copied {
		names[i] = filepath.Base(p)
	}
	return names
}

// SchemaSummary renders one line per table with its first six columns.
func SchemaSummary(m *investigation.DataModel) string {
	const none = "No schema information available"
	if m.Empty() {
		return none
	}
	lines := make([]string, 0, len(m.Tables))
	for _, t := range m.Tables {
		cols := make([]string, 0, 6)
		for i, c := range t.Columns {
			if i == 6 {
				break
			}
			role := string(c.InferredType)
			if role == "" {
				role = "unknown"
			}
			cols = append(cols, fmt.Sprintf("%s (%s)", c.Name, role))
		}
		line := t.Name + ": " + strings.Join(cols, ", ")
		if len(t.Columns) > 6 {
			line += ", ..."
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// ─── One hypothesis ───────────────────────────────────────────────────────────

// agentRun is what one tool loop produced.
type agentRun struct {
	turns      int
	usage      types.TokenUsage
	transcript string
}

// investigate runs the agent on one hypothesis and always returns a finding.
// A non-nil error means the finding is the synthetic RULED_OUT one.
func (e *engineImpl) investigate(
	ctx context.Context,
	r *run,
	s *investigation.State,
	h investigation.Hypothesis,
	files []string,
	schemaSummary string,
) (investigation.Finding, *investigation.SessionLog, error) {
	ctx, span := tracer.Start(ctx, "hypothesis/"+h.ID,
		trace.WithAttributes(attribute.String("hypothesis.title", h.Title)))
	defer span.End()

	log, err := sessionlog.Create(r.root, h.ID)
	if err != nil {
		err = fmt.Errorf("create session log: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return failedFinding(h.ID, err, ""), nil, err
	}

	userPrompt, err := e.prompts.RenderAnalysis(prompt.AnalysisContext{
		Hypothesis:       h,
		TargetMetric:     s.TargetMetric,
		MetricDefinition: s.MetricDefinition,
		BaselinePeriod:   s.BaselinePeriod,
		ComparisonPeriod: s.ComparisonPeriod,
		BusinessContext:  s.BusinessContext,
		Files:            files,
		SchemaSummary:    schemaSummary,
	})
	exec := workspace.NewToolExecutor(r.root, e.cfg.CommandTimeout, e.logger)

	var ar agentRun
	if err == nil {
		ar, err = e.runAgent(ctx, r, h, userPrompt, exec, log)
	}

	var verdict workspace.Verdict
	switch v, ok := exec.Verdict(); {
	case err != nil:
		verdict = workspace.Verdict{
			Outcome:    investigation.OutcomeRuledOut,
			Evidence:   fmt.Sprintf("Analysis failed: %v", err),
			Confidence: investigation.ConfidenceLow,
			KeyMetrics: []string{},
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case ok:
		verdict = v
	default:
		verdict = e.requestVerdict(ctx, r, h, ar.transcript)
	}
	if verdict.KeyMetrics == nil {
		verdict.KeyMetrics = []string{}
	}

	if cerr := log.Conclude(verdict.Outcome, verdict.Evidence, verdict.Confidence, verdict.KeyMetrics); cerr != nil {
		e.logger.Warn("Failed to finalize narrative log", zap.String("hypothesis_id", h.ID), zap.Error(cerr))
	}
	rec, ferr := log.Finish(sessionlog.Result{
		Outcome:          verdict.Outcome,
		Turns:            ar.turns,
		TotalTokens:      ar.usage.TotalTokens,
		CostUSD:          ar.usage.EstimatedCost,
		KeyFindings:      verdict.KeyMetrics,
		ScriptsCreated:   nonNil(exec.Scripts()),
		ArtifactsCreated: nonNil(exec.Artifacts()),
	})
	if ferr != nil {
		e.logger.Warn("Failed to finalize session log", zap.String("hypothesis_id", h.ID), zap.Error(ferr))
	}
	metrics.AgentTurns.Observe(float64(ar.turns))

	e.logger.Info("Hypothesis complete",
		zap.String("session_id", r.sessionID),
		zap.String("hypothesis_id", h.ID),
		zap.String("outcome", string(verdict.Outcome)),
		zap.Int("turns", ar.turns),
		zap.Int("tokens", ar.usage.TotalTokens),
		zap.Float64("cost_usd", ar.usage.EstimatedCost))

	finding := investigation.Finding{
		FindingID:     "F" + h.ID,
		HypothesisID:  h.ID,
		Outcome:       verdict.Outcome,
		Evidence:      verdict.Evidence,
		Confidence:    verdict.Confidence,
		KeyMetrics:    verdict.KeyMetrics,
		SessionLogRef: log.Ref(r.root),
		CompletedAt:   investigation.Timestamp(e.now()),
	}
	if ferr != nil {
		return finding, nil, err
	}
	return finding, &rec, err
}

// runAgent drives the tool loop, mirroring every turn into the narrative
// log and every token and tool call to subscribers.
func (e *engineImpl) runAgent(
	ctx context.Context,
	r *run,
	h investigation.Hypothesis,
	userPrompt string,
	exec *workspace.ToolExecutor,
	log *sessionlog.Log,
) (agentRun, error) {
	var ar agentRun
	if e.llm == nil {
		return ar, errNoLLM
	}

	req := types.CompletionRequest{
		System:   e.prompts.AnalysisSystem(),
		Messages: []types.Message{{Role: "user", Content: userPrompt}},
	}
	cfg := types.DefaultAgentConfig()
	cfg.MaxTurns = e.cfg.MaxTurns

	evtCh, err := e.llm.CompleteWithTools(ctx, req, workspace.AgentTools(), exec, cfg)
	if err != nil {
		return ar, err
	}

	var transcript strings.Builder
	var loopErr error
	for ev := range evtCh {
		switch {
		case ev.Err != nil:
			loopErr = ev.Err
		case ev.Done:
			ar.usage = ev.Usage
			if ev.TurnLimitReached {
				e.logger.Info("Turn limit reached", zap.String("hypothesis_id", h.ID), zap.Int("max_turns", cfg.MaxTurns))
			}
		case ev.Turn != nil:
			ar.turns++
			e.logTurn(r, h, log, ar.turns, cfg.MaxTurns, ev.Turn)
			if ev.Turn.Text != "" {
				transcript.WriteString("Assistant: " + ev.Turn.Text + "\n")
			}
		case ev.ToolEvent != nil:
			te := ev.ToolEvent
			e.publish(Event{SessionID: r.sessionID, Type: EventTool, HypothesisID: h.ID, ToolEvent: te})
			switch te.Phase {
			case "calling":
				fmt.Fprintf(&transcript, "Tool call %s: %v\n", te.ToolName, te.Args)
			case "result":
				fmt.Fprintf(&transcript, "Tool result: %s\n", prompt.Truncate(te.Result, toolResultExcerpt))
			case "error":
				fmt.Fprintf(&transcript, "Tool error: %s\n", te.Error)
			}
		case ev.TextToken != "":
			e.publish(Event{SessionID: r.sessionID, Type: EventText, HypothesisID: h.ID, TextToken: ev.TextToken})
		}
	}

	ar.transcript = tail(transcript.String(), transcriptLimit)
	return ar, loopErr
}

func (e *engineImpl) logTurn(r *run, h investigation.Hypothesis, log *sessionlog.Log, n, maxTurns int, turn *types.TurnSummary) {
	found := turn.Text
	if len(found) > turnTextLimit {
		found = prompt.Truncate(found, turnTextLimit) + "..."
	}
	did := fmt.Sprintf("Turn %d of investigation", n)
	if len(turn.ToolCalls) > 0 {
		names := make([]string, len(turn.ToolCalls))
		for i, c := range turn.ToolCalls {
			names[i] = c.Name
		}
		did += " (tools: " + strings.Join(names, ", ") + ")"
	}
	decision := "Continue"
	if n >= maxTurns {
		decision = "Conclude"
	}
	if err := log.AppendStep(sessionlog.Step{
		Number:         n,
		Action:         "Analysis",
		WhatIDid:       did,
		WhatIFound:     found,
		Interpretation: "Continuing analysis...",
		Decision:       decision,
		Reasoning:      "Agent reasoning step",
	}); err != nil {
		e.logger.Warn("Failed to append session log step",
			zap.String("session_id", r.sessionID),
			zap.String("hypothesis_id", h.ID),
			zap.Error(err))
	}
}

// requestVerdict asks for the verdict JSON when the agent never called
// Conclude. Failure yields the default RULED_OUT verdict.
func (e *engineImpl) requestVerdict(ctx context.Context, r *run, h investigation.Hypothesis, transcript string) workspace.Verdict {
	def := workspace.Verdict{
		Outcome:    investigation.OutcomeRuledOut,
		Evidence:   "Analysis could not be completed",
		Confidence: investigation.ConfidenceLow,
		KeyMetrics: []string{},
	}
	userPrompt, err := e.prompts.RenderVerdictRequest(prompt.VerdictContext{Hypothesis: h, Transcript: transcript})
	if err != nil {
		e.logger.Warn("Verdict prompt render failed, using default",
			zap.String("session_id", r.sessionID),
			zap.String("hypothesis_id", h.ID),
			zap.Error(err))
		e.progressError(r, fmt.Sprintf("Verdict request for %s failed, using default: %v", h.ID, err))
		return def
	}
	var raw struct {
		Outcome    string   `json:"outcome"`
		Evidence   string   `json:"evidence"`
		Confidence string   `json:"confidence"`
		KeyMetrics []string `json:"key_metrics"`
	}
	if _, err := e.completeJSON(ctx, types.CompletionRequest{
		System:      e.prompts.VerdictSystem(),
		Messages:    []types.Message{{Role: "user", Content: userPrompt}},
		Temperature: prompt.VerdictTemperature,
		MaxTokens:   e.cfg.MaxTokens,
	}, &raw); err != nil {
		e.logger.Warn("Verdict request failed, using default",
			zap.String("session_id", r.sessionID),
			zap.String("hypothesis_id", h.ID),
			zap.Error(err))
		e.progressError(r, fmt.Sprintf("Verdict request for %s failed, using default: %v", h.ID, err))
		return def
	}
	if strings.TrimSpace(raw.Evidence) == "" {
		raw.Evidence = def.Evidence
	}
	return workspace.Verdict{
		Outcome:    investigation.ParseOutcome(raw.Outcome),
		Evidence:   raw.Evidence,
		Confidence: investigation.ParseConfidence(raw.Confidence),
		KeyMetrics: raw.KeyMetrics,
	}
}

// failedFinding is the synthetic finding of a hypothesis whose
// investigation could not run.
func failedFinding(hypothesisID string, err error, logRef string) investigation.Finding {
	return investigation.Finding{
		FindingID:     "F" + hypothesisID,
		HypothesisID:  hypothesisID,
		Outcome:       investigation.OutcomeRuledOut,
		Evidence:      fmt.Sprintf("Analysis failed: %v", err),
		Confidence:    investigation.ConfidenceLow,
		KeyMetrics:    []string{},
		SessionLogRef: logRef,
		CompletedAt:   investigation.Now(),
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut++
	}
	return s[cut:]
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
