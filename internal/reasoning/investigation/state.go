// Package investigation defines the record types threaded through a metric
// drill-down run.
//
// State is owned by the engine for the duration of one run. Stage functions
// never write to it directly; they return an engine.Update which the engine
// merges. Hypotheses, findings and session logs accumulate across stages.
//
// Hypothesis lifecycle:
//
//	PENDING
//	  ↓ (analysis stage picks it up)
//	INVESTIGATING
//	  ↓ (verdict, or failure)
//	CONFIRMED | RULED_OUT
//
// A hypothesis is never left INVESTIGATING once a run has finished.
//
// JSON field names match the files written to a session directory
// (findings_ledger.json, session logs, memory documents), so they stay
// snake_case.
package investigation

import (
	"strings"
	"time"
)

// RunStatus is the terminal (or running) status of a run.
type RunStatus string

const (
	StatusRunning    RunStatus = "running"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusNoFindings RunStatus = "no_findings"
)

// HypothesisStatus tracks a hypothesis through the analysis stage.
type HypothesisStatus string

const (
	HypothesisPending       HypothesisStatus = "PENDING"
	HypothesisInvestigating HypothesisStatus = "INVESTIGATING"
	HypothesisConfirmed     HypothesisStatus = "CONFIRMED"
	HypothesisRuledOut      HypothesisStatus = "RULED_OUT"
)

// Terminal reports whether s is CONFIRMED or RULED_OUT.
func (s HypothesisStatus) Terminal() bool {
	return s == HypothesisConfirmed || s == HypothesisRuledOut
}

// Outcome is the verdict of one hypothesis investigation.
type Outcome string

const (
	OutcomeConfirmed Outcome = "CONFIRMED"
	OutcomeRuledOut  Outcome = "RULED_OUT"
)

// ParseOutcome normalizes free text from the agent. Anything that is not
// CONFIRMED is treated as RULED_OUT.
func ParseOutcome(s string) Outcome {
	if strings.EqualFold(strings.TrimSpace(s), string(OutcomeConfirmed)) {
		return OutcomeConfirmed
	}
	return OutcomeRuledOut
}

// Status maps the verdict onto the hypothesis status it terminates in.
func (o Outcome) Status() HypothesisStatus {
	if o == OutcomeConfirmed {
		return HypothesisConfirmed
	}
	return HypothesisRuledOut
}

// Confidence is the agent's confidence in a verdict.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// ParseConfidence normalizes free text, defaulting to LOW.
func ParseConfidence(s string) Confidence {
	switch Confidence(strings.ToUpper(strings.TrimSpace(s))) {
	case ConfidenceHigh:
		return ConfidenceHigh
	case ConfidenceMedium:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// ─── Inputs ──────────────────────────────────────────────────────────────────

// DateRange is an inclusive ISO date range.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// String renders "start to end" with N/A for missing bounds.
func (d DateRange) String() string {
	start, end := d.Start, d.End
	if start == "" {
		start = "N/A"
	}
	if end == "" {
		end = "N/A"
	}
	return start + " to " + end
}

// FileSchema is the per-file schema attached after schema inference.
type FileSchema struct {
	Columns []ColumnSchema `json:"columns"`
}

// FileInfo describes one uploaded data file.
type FileInfo struct {
	FileID      string      `json:"file_id"`
	Name        string      `json:"name"`
	Path        string      `json:"path"`
	Description string      `json:"description"`
	Schema      *FileSchema `json:"schema,omitempty"`
}

// ─── Data model ──────────────────────────────────────────────────────────────

// ColumnRole is the semantic role of a column.
type ColumnRole string

const (
	RoleDimension ColumnRole = "dimension"
	RoleMeasure   ColumnRole = "measure"
	RoleID        ColumnRole = "id"
	RoleTimestamp ColumnRole = "timestamp"
)

// ColumnSchema describes one column of a table.
type ColumnSchema struct {
	Name         string     `json:"name"`
	InferredType ColumnRole `json:"inferred_type"`
	DataType     string     `json:"data_type"`
	Cardinality  int        `json:"cardinality"`
	SampleValues []string   `json:"sample_values"`
	Nullable     bool       `json:"nullable"`
}

// TableInfo summarizes one input file.
type TableInfo struct {
	FileID      string         `json:"file_id"`
	Name        string         `json:"name"`
	RowCount    int            `json:"row_count"`
	ColumnCount int            `json:"column_count"`
	Columns     []ColumnSchema `json:"columns"`
}

// RelationshipKind is how two tables were linked.
type RelationshipKind string

const (
	RelationshipForeignKey    RelationshipKind = "foreign_key"
	RelationshipSimilarValues RelationshipKind = "similar_values"
)

// Relationship links a column of one table to a column of another.
type Relationship struct {
	FromTable        string           `json:"from_table"`
	FromColumn       string           `json:"from_column"`
	ToTable          string           `json:"to_table"`
	ToColumn         string           `json:"to_column"`
	RelationshipType RelationshipKind `json:"relationship_type"`
	Confidence       float64          `json:"confidence"`
}

// DataModel is the output of schema inference.
type DataModel struct {
	Tables                []TableInfo    `json:"tables"`
	Relationships         []Relationship `json:"relationships"`
	RecommendedDimensions []string       `json:"recommended_dimensions"`
}

// Empty reports whether the model has no tables.
func (m *DataModel) Empty() bool {
	return m == nil || len(m.Tables) == 0
}

// ─── Stage outputs ───────────────────────────────────────────────────────────

// SourceFile points at the file a metric column was found in.
type SourceFile struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

// MetricRequirements is the result of metric identification.
type MetricRequirements struct {
	TargetMetric string      `json:"target_metric"`
	SourceFile   *SourceFile `json:"source_file"`
	Validated    bool        `json:"validated"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// Hypothesis is a candidate explanation for the metric movement.
type Hypothesis struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	CausalStory     string           `json:"causal_story"`
	Dimensions      []string         `json:"dimensions"`
	ExpectedPattern string           `json:"expected_pattern"`
	Priority        int              `json:"priority"`
	Status          HypothesisStatus `json:"status"`
}

// Finding is the immutable verdict for one investigated hypothesis.
type Finding struct {
	FindingID     string     `json:"finding_id"`
	HypothesisID  string     `json:"hypothesis_id"`
	Outcome       Outcome    `json:"outcome"`
	Evidence      string     `json:"evidence"`
	Confidence    Confidence `json:"confidence"`
	KeyMetrics    []string   `json:"key_metrics"`
	SessionLogRef string     `json:"session_log_ref"`
	CompletedAt   string     `json:"completed_at"`
}

// SessionLog is the structured record of one hypothesis investigation.
type SessionLog struct {
	HypothesisID     string   `json:"hypothesis_id"`
	StartTime        string   `json:"start_time"`
	EndTime          string   `json:"end_time"`
	Outcome          Outcome  `json:"outcome"`
	Turns            int      `json:"turns"`
	TotalTokens      int      `json:"total_tokens"`
	CostUSD          float64  `json:"cost_usd"`
	KeyFindings      []string `json:"key_findings"`
	ScriptsCreated   []string `json:"scripts_created"`
	ArtifactsCreated []string `json:"artifacts_created"`
}

// Evidence is one metric/value/interpretation triple in an explanation.
type Evidence struct {
	Metric         string `json:"metric"`
	Value          string `json:"value"`
	Interpretation string `json:"interpretation"`
}

// Likelihood labels an explanation by rank.
type Likelihood string

const (
	LikelihoodMostLikely Likelihood = "Most Likely"
	LikelihoodLikely     Likelihood = "Likely"
	LikelihoodPossible   Likelihood = "Possible"
)

// LikelihoodForRank derives the label purely from rank.
func LikelihoodForRank(rank int) Likelihood {
	switch {
	case rank == 1:
		return LikelihoodMostLikely
	case rank == 2 || rank == 3:
		return LikelihoodLikely
	default:
		return LikelihoodPossible
	}
}

// Explanation is a ranked, confirmed explanation.
type Explanation struct {
	Rank             int        `json:"rank"`
	Title            string     `json:"title"`
	Likelihood       Likelihood `json:"likelihood"`
	Evidence         []Evidence `json:"evidence"`
	Reasoning        string     `json:"reasoning"`
	CausalStory      string     `json:"causal_story"`
	SourceHypotheses []string   `json:"source_hypotheses"`
}

// ─── State ───────────────────────────────────────────────────────────────────

// State is the record threaded through every stage of a run.
type State struct {
	// Inputs, set before the run starts.
	SessionID           string     `json:"session_id"`
	Files               []FileInfo `json:"files"`
	BusinessContext     string     `json:"business_context"`
	TargetMetric        string     `json:"target_metric"`
	MetricDefinition    string     `json:"metric_definition"`
	BaselinePeriod      DateRange  `json:"baseline_period"`
	ComparisonPeriod    DateRange  `json:"comparison_period"`
	InvestigationPrompt string     `json:"investigation_prompt,omitempty"`

	DataModel          *DataModel          `json:"data_model,omitempty"`
	SelectedDimensions []string            `json:"selected_dimensions,omitempty"`
	MetricRequirements *MetricRequirements `json:"metric_requirements,omitempty"`

	// Accumulated across stages.
	Hypotheses  []Hypothesis `json:"hypotheses"`
	Findings    []Finding    `json:"findings_ledger"`
	SessionLogs []SessionLog `json:"session_logs"`

	Explanations     []Explanation `json:"explanations,omitempty"`
	ReportPath       string        `json:"report_path,omitempty"`
	MemoryDocumentID string        `json:"memory_document_id,omitempty"`

	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// NewState returns a running state for the given inputs.
func NewState(sessionID, targetMetric string, files []FileInfo) *State {
	return &State{
		SessionID:    sessionID,
		TargetMetric: targetMetric,
		Files:        files,
		Status:       StatusRunning,
	}
}

// HasConfirmed reports whether any finding is CONFIRMED.
func (s *State) HasConfirmed() bool {
	for _, f := range s.Findings {
		if f.Outcome == OutcomeConfirmed {
			return true
		}
	}
	return false
}

// ConfirmedFindings returns CONFIRMED findings in append order.
func (s *State) ConfirmedFindings() []Finding {
	return FilterConfirmed(s.Findings)
}

// FilterConfirmed keeps CONFIRMED findings in order.
func FilterConfirmed(findings []Finding) []Finding {
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if f.Outcome == OutcomeConfirmed {
			out = append(out, f)
		}
	}
	return out
}

// Hypothesis looks up a hypothesis by id.
func (s *State) Hypothesis(id string) (Hypothesis, bool) {
	for _, h := range s.Hypotheses {
		if h.ID == id {
			return h, true
		}
	}
	return Hypothesis{}, false
}

// CountStatus counts hypotheses with the given status.
func (s *State) CountStatus(status HypothesisStatus) int {
	n := 0
	for _, h := range s.Hypotheses {
		if h.Status == status {
			n++
		}
	}
	return n
}

// AvailableDimensions is the recommended dimensions unioned with every column
// whose role is dimension, in first-seen order.
func (s *State) AvailableDimensions() []string {
	seen := map[string]bool{}
	var dims []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			dims = append(dims, name)
		}
	}
	if s.DataModel == nil {
		return dims
	}
	for _, d := range s.DataModel.RecommendedDimensions {
		add(d)
	}
	for _, t := range s.DataModel.Tables {
		for _, c := range t.Columns {
			if c.InferredType == RoleDimension {
				add(c.Name)
			}
		}
	}
	return dims
}

// Timestamp formats t the way every persisted record stores times.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Now is Timestamp(time.Now()).
func Now() string {
	return Timestamp(time.Now())
}
