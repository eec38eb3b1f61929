package prompt

// Package prompt renders every prompt the engine sends to the LLM.
//
// Each prompt has a typed context struct and a text/template. Templates are
// parsed once at package init; a field name that does not exist on the
// context struct fails at render time instead of leaving a literal
// placeholder in the prompt.
//
// Prompt Types:
//
//   1. Schema inference (structured): file descriptions with sample rows,
//      asks for tables, column roles, relationships and dimensions as JSON.
//   2. Hypothesis generation (structured): metric, periods, context and
//      available dimensions, asks for 5-7 hypotheses as JSON.
//   3. Analysis (tool loop): one hypothesis, the staged files and a schema
//      summary. The system prompt describes the tool surface and Conclude.
//   4. Verdict request (structured): used when the agent never called
//      Conclude; asks for the verdict JSON over the transcript.
//   5. Executive summary (structured): top explanations, 2-3 sentences.

import (
	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

// Temperatures used per prompt type.
const (
	SchemaTemperature     = 0.2
	HypothesisTemperature = 0.7
	SummaryTemperature    = 0.3
	VerdictTemperature    = 0.0

	SummaryMaxTokens = 500
)

// SchemaFile is one file as presented to schema inference.
type SchemaFile struct {
	Name        string
	FileID      string
	Description string
	RowCount    int
	Headers     []string
	SampleRows  [][]string // aligned with Headers
	Error       string     // set when the file could not be read
}

// SchemaContext feeds the schema inference prompt.
type SchemaContext struct {
	Files []SchemaFile
}

// HypothesisContext feeds the hypothesis generation prompt.
type HypothesisContext struct {
	TargetMetric        string
	MetricDefinition    string
	SourceFile          *investigation.SourceFile
	BaselinePeriod      investigation.DateRange
	ComparisonPeriod    investigation.DateRange
	BusinessContext     string
	InvestigationPrompt string
	AvailableDimensions []string
}

// AnalysisContext feeds the per-hypothesis investigation prompt.
type AnalysisContext struct {
	Hypothesis       investigation.Hypothesis
	TargetMetric     string
	MetricDefinition string
	BaselinePeriod   investigation.DateRange
	ComparisonPeriod investigation.DateRange
	BusinessContext  string
	Files            []string // base names of staged files
	SchemaSummary    string
}

// VerdictContext feeds the fallback verdict request.
type VerdictContext struct {
	Hypothesis investigation.Hypothesis
	Transcript string
}

// SummaryItem is one explanation shown to the executive summary prompt.
type SummaryItem struct {
	Rank      int
	Title     string
	Reasoning string
}

// SummaryContext feeds the executive summary prompt.
type SummaryContext struct {
	TargetMetric     string
	BaselinePeriod   investigation.DateRange
	ComparisonPeriod investigation.DateRange
	Top              []SummaryItem
}

// PromptManager defines the interface for prompt rendering.
type PromptManager interface {
	// System prompts.
	SchemaSystem() string
	HypothesisSystem() string
	AnalysisSystem() string
	VerdictSystem() string
	SummarySystem() string

	// User prompts.
	RenderSchemaInference(c SchemaContext) (string, error)
	RenderHypothesisGeneration(c HypothesisContext) (string, error)
	RenderAnalysis(c AnalysisContext) (string, error)
	RenderVerdictRequest(c VerdictContext) (string, error)
	RenderExecutiveSummary(c SummaryContext) (string, error)
}
