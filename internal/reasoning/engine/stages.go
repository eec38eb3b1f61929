package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MLMario/metric-explorer/internal/audit"
	"github.com/MLMario/metric-explorer/internal/llm/adapter"
	"github.com/MLMario/metric-explorer/internal/llm/types"
	"github.com/MLMario/metric-explorer/internal/memory/vector"
	"github.com/MLMario/metric-explorer/internal/memory/working"
	"github.com/MLMario/metric-explorer/internal/metrics"
	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
	"github.com/MLMario/metric-explorer/internal/reasoning/prompt"
	"github.com/MLMario/metric-explorer/internal/reasoning/report"
	"github.com/MLMario/metric-explorer/internal/tabular"
	"github.com/MLMario/metric-explorer/internal/workspace"
)

// errNoLLM is returned by completions when the engine has no LLM.
var errNoLLM = errors.New("no LLM configured")

// ─── Schema inference ─────────────────────────────────────────────────────────

func (e *engineImpl) schemaInference(ctx context.Context, r *run, s *investigation.State) Update {
	empty := Update{DataModel: &investigation.DataModel{}, SelectedDimensions: []string{}}
	if len(s.Files) == 0 {
		e.logger.Warn("No files to analyze", zap.String("session_id", r.sessionID))
		return empty
	}

	files := e.describeFiles(ctx, s.Files)
	userPrompt, err := e.prompts.RenderSchemaInference(prompt.SchemaContext{Files: files})
	if err != nil {
		e.schemaFailed(r, err)
		return empty
	}

	var model investigation.DataModel
	_, err = e.completeJSON(ctx, types.CompletionRequest{
		System:      e.prompts.SchemaSystem(),
		Messages:    []types.Message{{Role: "user", Content: userPrompt}},
		Temperature: prompt.SchemaTemperature,
		MaxTokens:   e.cfg.MaxTokens,
	}, &model)
	if err != nil {
		e.schemaFailed(r, err)
		return empty
	}
	if model.Tables == nil {
		model.Tables = []investigation.TableInfo{}
	}
	if model.Relationships == nil {
		model.Relationships = []investigation.Relationship{}
	}
	if model.RecommendedDimensions == nil {
		model.RecommendedDimensions = []string{}
	}

	updated := make([]investigation.FileInfo, len(s.Files))
	copy(updated, s.Files)
	for i := range updated {
		for _, t := range model.Tables {
			if t.FileID == updated[i].FileID {
				updated[i].Schema = &investigation.FileSchema{Columns: t.Columns}
				break
			}
		}
	}

	e.logger.Info("Schema inference complete",
		zap.String("session_id", r.sessionID),
		zap.Int("tables", len(model.Tables)),
		zap.Int("relationships", len(model.Relationships)))
	e.note(r, r.progress.SchemaInferred(len(model.Tables), len(model.RecommendedDimensions)))

	return Update{
		Files:              updated,
		DataModel:          &model,
		SelectedDimensions: model.RecommendedDimensions,
	}
}

// describeFiles reads headers, row counts and samples of every file
// concurrently. Read failures become per-file error text.
func (e *engineImpl) describeFiles(ctx context.Context, files []investigation.FileInfo) []prompt.SchemaFile {
	out := make([]prompt.SchemaFile, len(files))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ReadConcurrency)
	for i, f := range files {
		g.Go(func() error {
			out[i] = e.describeFile(f)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *engineImpl) describeFile(f investigation.FileInfo) prompt.SchemaFile {
	sf := prompt.SchemaFile{Name: f.Name, FileID: f.FileID, Description: f.Description}
	if _, err := os.Stat(f.Path); err != nil {
		e.logger.Error("File not found", zap.String("path", f.Path))
		sf.Error = "File not found at " + f.Path
		return sf
	}
	headers, err := e.reader.Headers(f.Path)
	if err == nil {
		sf.RowCount, err = e.reader.RowCount(f.Path)
	}
	var rows []tabular.Row
	if err == nil {
		rows, err = e.reader.SampleRows(f.Path, e.cfg.SampleRows)
	}
	if err != nil {
		e.logger.Warn("Error reading file", zap.String("path", f.Path), zap.Error(err))
		sf.Error = fmt.Sprintf("Error reading file: %v", err)
		return sf
	}
	sf.Headers = headers
	for _, row := range rows {
		cells := make([]string, len(headers))
		for j, h := range headers {
			cells[j] = row[h]
		}
		sf.SampleRows = append(sf.SampleRows, cells)
	}
	return sf
}

func (e *engineImpl) schemaFailed(r *run, err error) {
	e.logger.Warn("Schema inference failed", zap.String("session_id", r.sessionID), zap.Error(err))
	e.progressError(r, fmt.Sprintf("Schema inference failed: %v", err))
}

// ─── Metric identification ────────────────────────────────────────────────────

func (e *engineImpl) metricIdentification(_ context.Context, r *run, s *investigation.State) Update {
	req := IdentifyMetric(s, e.reader, e.logger)
	if req.Validated {
		e.note(r, r.progress.MetricValidated(req.TargetMetric, req.SourceFile.FileName))
	} else {
		e.logger.Warn("Metric validation failed", zap.String("session_id", r.sessionID), zap.String("error", req.ErrorMessage))
		e.note(r, r.progress.MetricNotFound(s.TargetMetric))
	}
	return Update{MetricRequirements: &req}
}

// IdentifyMetric looks the target metric up, case-insensitively, in the data
// model, then in per-file schemas, then in raw file headers. The first match
// wins.
func IdentifyMetric(s *investigation.State, reader FileReader, logger *zap.Logger) investigation.MetricRequirements {
	target := strings.TrimSpace(s.TargetMetric)
	if target == "" {
		return investigation.MetricRequirements{ErrorMessage: "Target metric column name is required"}
	}
	found := func(fileID, fileName string) investigation.MetricRequirements {
		return investigation.MetricRequirements{
			TargetMetric: target,
			SourceFile:   &investigation.SourceFile{FileID: fileID, FileName: fileName},
			Validated:    true,
		}
	}

	seen := map[string]bool{}
	if s.DataModel != nil {
		for _, t := range s.DataModel.Tables {
			for _, c := range t.Columns {
				seen[c.Name] = true
				if strings.EqualFold(c.Name, target) {
					return found(t.FileID, t.Name)
				}
			}
		}
	}
	for _, f := range s.Files {
		if f.Schema == nil {
			continue
		}
		for _, c := range f.Schema.Columns {
			seen[c.Name] = true
			if strings.EqualFold(c.Name, target) {
				return found(f.FileID, f.Name)
			}
		}
	}
	for _, f := range s.Files {
		headers, err := reader.Headers(f.Path)
		if err != nil {
			if logger != nil {
				logger.Warn("Error reading headers", zap.String("path", f.Path), zap.Error(err))
			}
			continue
		}
		for _, h := range headers {
			seen[h] = true
			if strings.EqualFold(h, target) {
				return found(f.FileID, f.Name)
			}
		}
	}

	columns := make([]string, 0, len(seen))
	for c := range seen {
		if c != "" {
			columns = append(columns, c)
		}
	}
	sort.Strings(columns)
	return investigation.MetricRequirements{
		TargetMetric: target,
		ErrorMessage: fmt.Sprintf("Column '%s' not found in any uploaded file. Available columns: %s",
			target, strings.Join(columns, ", ")),
	}
}

// ─── Hypothesis generation ────────────────────────────────────────────────────

type rawHypothesis struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	CausalStory     string   `json:"causal_story"`
	Dimensions      []string `json:"dimensions"`
	ExpectedPattern string   `json:"expected_pattern"`
	Priority        *int     `json:"priority"`
}

func (e *engineImpl) hypothesisGeneration(ctx context.Context, r *run, s *investigation.State) Update {
	var source *investigation.SourceFile
	if s.MetricRequirements != nil {
		source = s.MetricRequirements.SourceFile
	}
	userPrompt, err := e.prompts.RenderHypothesisGeneration(prompt.HypothesisContext{
		TargetMetric:        s.TargetMetric,
		MetricDefinition:    s.MetricDefinition,
		SourceFile:          source,
		BaselinePeriod:      s.BaselinePeriod,
		ComparisonPeriod:    s.ComparisonPeriod,
		BusinessContext:     s.BusinessContext,
		InvestigationPrompt: s.InvestigationPrompt,
		AvailableDimensions: s.AvailableDimensions(),
	})
	var resp *types.CompletionResponse
	if err == nil {
		resp, err = e.complete(ctx, types.CompletionRequest{
			System:      e.prompts.HypothesisSystem(),
			Messages:    []types.Message{{Role: "user", Content: userPrompt}},
			Temperature: prompt.HypothesisTemperature,
			MaxTokens:   e.cfg.MaxTokens,
		})
	}
	if err != nil {
		e.logger.Warn("Hypothesis generation failed", zap.String("session_id", r.sessionID), zap.Error(err))
		e.progressError(r, fmt.Sprintf("Hypothesis generation failed: %v", err))
		hs := []investigation.Hypothesis{{
			ID:              "H1",
			Title:           "Data exploration",
			CausalStory:     "Explore the data to identify potential causes",
			Dimensions:      []string{},
			ExpectedPattern: "Unknown",
			Priority:        1,
			Status:          investigation.HypothesisPending,
		}}
		e.note(r, r.progress.HypothesesGenerated(len(hs)))
		return Update{Hypotheses: hs}
	}

	hs, perr := ParseHypotheses(resp.Content)
	if perr != nil || len(hs) == 0 {
		e.logger.Warn("Failed to parse hypotheses, using default", zap.String("session_id", r.sessionID), zap.Error(perr))
		dims := s.SelectedDimensions
		if len(dims) > 2 {
			dims = dims[:2]
		}
		hs = []investigation.Hypothesis{{
			ID:              "H1",
			Title:           "Segment-level change",
			CausalStory:     "A specific segment may be driving the overall metric change",
			Dimensions:      append([]string{}, dims...),
			ExpectedPattern: "One segment shows disproportionate change",
			Priority:        1,
			Status:          investigation.HypothesisPending,
		}}
	}

	e.logger.Info("Generated hypotheses", zap.String("session_id", r.sessionID), zap.Int("count", len(hs)))
	e.note(r, r.progress.HypothesesGenerated(len(hs)))
	return Update{Hypotheses: hs}
}

// hypothesisIDPattern is what an id must look like to be used in log file
// names and finding references.
var hypothesisIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ParseHypotheses accepts either a JSON array of hypotheses or an object
// with a "hypotheses" array. Missing or malformed ids, missing titles and
// priorities are filled from the position; a repeated id gets a "-2", "-3"
// suffix. Every hypothesis starts PENDING.
func ParseHypotheses(text string) ([]investigation.Hypothesis, error) {
	body := adapter.StripCodeFence(text)
	var list []rawHypothesis
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &list); err != nil {
			return nil, fmt.Errorf("decode hypotheses: %w", err)
		}
	} else {
		var wrapped struct {
			Hypotheses *[]rawHypothesis `json:"hypotheses"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err != nil {
			return nil, fmt.Errorf("decode hypotheses: %w", err)
		}
		if wrapped.Hypotheses == nil {
			return nil, errors.New("unexpected JSON structure in hypothesis response")
		}
		list = *wrapped.Hypotheses
	}

	out := make([]investigation.Hypothesis, 0, len(list))
	seen := make(map[string]bool, len(list))
	for i, h := range list {
		hyp := investigation.Hypothesis{
			ID:              h.ID,
			Title:           h.Title,
			CausalStory:     h.CausalStory,
			Dimensions:      h.Dimensions,
			ExpectedPattern: h.ExpectedPattern,
			Priority:        i + 1,
			Status:          investigation.HypothesisPending,
		}
		if !hypothesisIDPattern.MatchString(hyp.ID) {
			hyp.ID = fmt.Sprintf("H%d", i+1)
		}
		if seen[hyp.ID] {
			base := hyp.ID
			for n := 2; seen[hyp.ID]; n++ {
				hyp.ID = fmt.Sprintf("%s-%d", base, n)
			}
		}
		seen[hyp.ID] = true
		if hyp.Title == "" {
			hyp.Title = fmt.Sprintf("Hypothesis %d", i+1)
		}
		if hyp.Dimensions == nil {
			hyp.Dimensions = []string{}
		}
		if h.Priority != nil {
			hyp.Priority = *h.Priority
		}
		out = append(out, hyp)
	}
	return out, nil
}

// ─── Memory dump ──────────────────────────────────────────────────────────────

func (e *engineImpl) memoryDump(ctx context.Context, r *run, s *investigation.State) Update {
	findings, err := e.ledger.ReadAll(r.root)
	if err != nil {
		e.logger.Warn("Failed to read ledger for memory document", zap.String("session_id", r.sessionID), zap.Error(err))
		findings = s.Findings
	}
	progressText, _ := r.progress.Read()

	doc := working.Compile(working.Input{
		State:       s,
		Findings:    findings,
		Progress:    progressText,
		GeneratedAt: e.now(),
	})

	path := filepath.Join(r.root, workspace.AnalysisDir, working.FileName)
	err = os.MkdirAll(filepath.Dir(path), 0o755)
	if err == nil {
		err = os.WriteFile(path, []byte(doc), 0o644)
	}
	if err != nil {
		e.logger.Error("Memory dump failed", zap.String("session_id", r.sessionID), zap.Error(err))
		e.progressError(r, fmt.Sprintf("Memory dump failed: %v", err))
		return Update{}
	}

	if e.memory == nil {
		e.logger.Info("Memory store not configured - memory stored locally only", zap.String("session_id", r.sessionID))
		return Update{}
	}
	id, err := e.memory.StoreDocument(ctx, r.sessionID, doc, map[string]string{
		vector.MetaTargetMetric: s.TargetMetric,
		vector.MetaSummary:      working.Summary(s),
	})
	switch {
	case errors.Is(err, vector.ErrNotConfigured):
		e.logger.Info("Memory store not configured - memory stored locally only", zap.String("session_id", r.sessionID))
		return Update{}
	case err != nil:
		e.logger.Warn("Failed to store memory document", zap.String("session_id", r.sessionID), zap.Error(err))
		e.progressError(r, fmt.Sprintf("Storing memory document failed: %v", err))
		return Update{}
	}

	e.logger.Info("Memory document stored", zap.String("session_id", r.sessionID), zap.String("document_id", id))
	e.note(r, r.progress.MemoryStored(id))
	if e.audit != nil {
		_ = e.audit.Log(ctx, audit.NewEvent(audit.EventMemoryStored).
			WithSessionID(r.sessionID).
			WithStage(string(StageMemoryDump)).
			WithDescription("Memory document stored: "+id).
			WithResult(audit.ResultSuccess))
	}
	return Update{MemoryDocumentID: id}
}

// ─── Reports ──────────────────────────────────────────────────────────────────

func (e *engineImpl) reportGenerator(ctx context.Context, r *run, s *investigation.State) Update {
	path := filepath.Join(r.root, workspace.ReportFile)

	confirmed, err := e.ledger.ReadConfirmed(r.root)
	if err != nil {
		return e.reportFailed(r, path, err)
	}
	explanations := report.BuildExplanations(confirmed, s.Hypotheses)
	summary := e.executiveSummary(ctx, r, s, explanations)

	content, err := report.Render(report.Context{
		State:            s,
		Explanations:     explanations,
		Confirmed:        confirmed,
		ExecutiveSummary: summary,
		GeneratedAt:      e.now(),
		TotalTime:        e.now().Sub(r.started),
	})
	if err == nil {
		err = report.Write(path, content)
	}
	if err != nil {
		return e.reportFailed(r, path, err)
	}

	e.reportWritten(ctx, r, path)
	return Update{
		Explanations: explanations,
		ReportPath:   path,
		Status:       investigation.StatusCompleted,
	}
}

// executiveSummary asks the LLM for a short summary of the top three
// explanations, falling back to a templated sentence.
func (e *engineImpl) executiveSummary(ctx context.Context, r *run, s *investigation.State, explanations []investigation.Explanation) string {
	fallback := report.FallbackSummary(s.TargetMetric, explanations)
	if len(explanations) == 0 {
		return fallback
	}
	top := make([]prompt.SummaryItem, 0, 3)
	for i, ex := range explanations {
		if i == 3 {
			break
		}
		top = append(top, prompt.SummaryItem{Rank: ex.Rank, Title: ex.Title, Reasoning: ex.Reasoning})
	}
	userPrompt, err := e.prompts.RenderExecutiveSummary(prompt.SummaryContext{
		TargetMetric:     s.TargetMetric,
		BaselinePeriod:   s.BaselinePeriod,
		ComparisonPeriod: s.ComparisonPeriod,
		Top:              top,
	})
	var resp *types.CompletionResponse
	if err == nil {
		resp, err = e.complete(ctx, types.CompletionRequest{
			System:      e.prompts.SummarySystem(),
			Messages:    []types.Message{{Role: "user", Content: userPrompt}},
			Temperature: prompt.SummaryTemperature,
			MaxTokens:   prompt.SummaryMaxTokens,
		})
	}
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = errors.New("empty response")
	}
	if err != nil {
		e.logger.Warn("Failed to generate executive summary", zap.String("session_id", r.sessionID), zap.Error(err))
		e.progressError(r, fmt.Sprintf("Executive summary generation failed, using fallback: %v", err))
		return fallback
	}
	return strings.TrimSpace(resp.Content)
}

func (e *engineImpl) reportFailed(r *run, path string, err error) Update {
	e.logger.Error("Report generation failed", zap.String("session_id", r.sessionID), zap.Error(err))
	msg := fmt.Sprintf("Report generation failed: %v", err)
	e.progressError(r, msg)
	if werr := report.Write(path, report.RenderError(err)); werr != nil {
		e.logger.Error("Failed to write error report", zap.String("session_id", r.sessionID), zap.Error(werr))
	}
	return Update{
		Explanations: []investigation.Explanation{},
		ReportPath:   path,
		Status:       investigation.StatusFailed,
		Error:        msg,
	}
}

func (e *engineImpl) noFindingsReport(ctx context.Context, r *run, s *investigation.State) Update {
	path := filepath.Join(r.root, workspace.ReportFile)
	content, err := report.RenderNoFindings(s, e.now(), e.now().Sub(r.started))
	if err == nil {
		err = report.Write(path, content)
	}
	if err != nil {
		return e.reportFailed(r, path, err)
	}
	e.reportWritten(ctx, r, path)
	return Update{
		Explanations: []investigation.Explanation{},
		ReportPath:   path,
		Status:       investigation.StatusNoFindings,
	}
}

func (e *engineImpl) reportWritten(ctx context.Context, r *run, path string) {
	e.note(r, r.progress.ReportGenerated())
	e.logger.Info("Report generated", zap.String("session_id", r.sessionID), zap.String("path", path))
	if e.audit != nil {
		_ = e.audit.Log(ctx, audit.NewEvent(audit.EventReportGenerated).
			WithSessionID(r.sessionID).
			WithDescription("Report written to "+path).
			WithResult(audit.ResultSuccess))
	}
}

// ─── Error exit ───────────────────────────────────────────────────────────────

func errorExit(s *investigation.State) Update {
	msg := "Metric validation failed"
	if s.MetricRequirements != nil && s.MetricRequirements.ErrorMessage != "" {
		msg = s.MetricRequirements.ErrorMessage
	}
	return Update{Status: investigation.StatusFailed, Error: msg}
}

// ─── LLM helpers ──────────────────────────────────────────────────────────────

func (e *engineImpl) complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error) {
	if e.llm == nil {
		return nil, errNoLLM
	}
	return e.llm.Complete(ctx, req)
}

func (e *engineImpl) completeJSON(ctx context.Context, req types.CompletionRequest, out interface{}) (*types.CompletionResponse, error) {
	resp, err := e.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := adapter.DecodeJSON(resp.Content, out); err != nil {
		return resp, err
	}
	return resp, nil
}

// recordOutcome counts a hypothesis verdict.
func recordOutcome(o investigation.Outcome) {
	metrics.HypothesisOutcomes.WithLabelValues(string(o)).Inc()
}
