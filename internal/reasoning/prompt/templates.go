package prompt

// Package prompt: concrete PromptManager implementation backed by text/template.

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/dustin/go-humanize"
)

// promptManagerImpl is the concrete implementation of PromptManager.
type promptManagerImpl struct{}

// NewPromptManager creates a new prompt manager.
func NewPromptManager() PromptManager {
	return &promptManagerImpl{}
}

// ─── System prompts ───────────────────────────────────────────────────────────

const schemaSystemPrompt = `You are a data analyst expert. Analyze CSV schemas and return JSON.`

const hypothesisSystemPrompt = `You are a data scientist expert at generating testable hypotheses for metric investigations. Generate hypotheses in JSON format.`

const analysisSystemPrompt = `You are a data analyst investigating a hypothesis about metric movement.

Your task is to thoroughly analyze the available data and determine if the hypothesis is supported by evidence.

## Process
1. First, read and understand the CSV files in the analysis/files directory
2. Write Python scripts to analyze the data (save to analysis/scripts/)
3. Execute scripts using bash: python analysis/scripts/<script_name>.py
4. Interpret results and gather evidence
5. Iterate as needed to build a complete picture

## Tools Available
- Read: Read CSV files and other text files
- Write: Write Python analysis scripts
- Bash: Execute Python scripts and shell commands
- Glob: Find files by pattern
- Grep: Search file contents
- Conclude: Record your final verdict (call exactly once, at the end)

## Required Python Packages
pandas, numpy, scipy are available in the environment.

## Important
Be specific with numbers and percentages. Support your conclusion with data.
Finish by calling Conclude with outcome CONFIRMED or RULED_OUT, the evidence,
your confidence (HIGH, MEDIUM or LOW) and the key metrics you relied on.`

const verdictSystemPrompt = `You are a data analyst. Summarize an investigation transcript into a verdict. Respond with JSON only.`

const summarySystemPrompt = `You are a data analyst. Write a brief 2-3 sentence executive summary.`

// ─── User prompt templates ────────────────────────────────────────────────────

const schemaTemplate = `Analyze the following CSV files and infer their data model.

{{range .Files}}### {{.Name}}
{{if .Error}}**Error**: {{.Error}}
{{else}}**File ID**: {{.FileID}}
**Description**: {{or .Description "No description provided"}}
**Row Count**: {{comma .RowCount}}
**Columns**: {{join .Headers ", "}}

**Sample Data**:
{{sampleTable .Headers .SampleRows}}
{{end}}
{{end}}
For every file return a table with its file_id, name, row_count, column_count
and columns. For every column give name, inferred_type (one of dimension,
measure, id, timestamp), data_type (string, integer, float, date, datetime),
cardinality, sample_values and nullable.

Identify relationships between tables (relationship_type foreign_key or
similar_values, with a confidence between 0 and 1) and recommend the
dimension columns most useful for drilling into a metric change.

Respond with JSON only:
{"tables": [...], "relationships": [...], "recommended_dimensions": [...]}`

const hypothesisTemplate = `Generate 5-7 testable hypotheses that could explain a change in a business metric.

## Metric
**Target Metric**: {{.TargetMetric}}
**Definition**: {{.MetricDefinition}}
**Source File**: {{if .SourceFile}}{{.SourceFile.FileName}} (ID: {{.SourceFile.FileID}}){{else}}Unknown{{end}}

## Time Periods
**Baseline**: {{.BaselinePeriod}}
**Comparison**: {{.ComparisonPeriod}}

## Business Context
{{or .BusinessContext "No context provided"}}

## Investigation Focus
{{or .InvestigationPrompt "No specific focus areas provided"}}

## Available Dimensions
{{if .AvailableDimensions}}{{join .AvailableDimensions ", "}}{{else}}No dimensions identified{{end}}

Each hypothesis needs an id (H1, H2, ...), title, causal_story, dimensions
(chosen from the available dimensions), expected_pattern and priority
(1 = most plausible).

Respond with JSON only:
{"hypotheses": [{"id": "H1", "title": "...", "causal_story": "...", "dimensions": ["..."], "expected_pattern": "...", "priority": 1}]}`

const analysisTemplate = `Investigate the following hypothesis.

## Hypothesis: {{.Hypothesis.Title}}
**Causal Story**: {{.Hypothesis.CausalStory}}
**Expected Pattern**: {{.Hypothesis.ExpectedPattern}}
**Dimensions**: {{join .Hypothesis.Dimensions ", "}}

## Metric
**Target Metric**: {{.TargetMetric}}
**Definition**: {{.MetricDefinition}}

## Time Periods
**Baseline**: {{.BaselinePeriod}}
**Comparison**: {{.ComparisonPeriod}}

## Business Context
{{or .BusinessContext "No context provided"}}

## Available Files (in analysis/files/)
{{range .Files}}- {{.}}
{{end}}
## Schema
{{.SchemaSummary}}

Compare the baseline and comparison periods along the hypothesis dimensions
and decide whether the data supports the hypothesis.`

const verdictTemplate = `The investigation of hypothesis "{{.Hypothesis.Title}}" ({{.Hypothesis.ID}}) ended without a recorded verdict.

Expected pattern: {{.Hypothesis.ExpectedPattern}}

## Transcript
{{.Transcript}}

Based only on the transcript, respond with JSON:
{"outcome": "CONFIRMED" or "RULED_OUT", "evidence": "...", "confidence": "HIGH" or "MEDIUM" or "LOW", "key_metrics": ["..."]}`

const summaryTemplate = `Write an executive summary for this investigation:

Target Metric: {{.TargetMetric}}
Baseline Period: {{.BaselinePeriod}}
Comparison Period: {{.ComparisonPeriod}}

Top Findings:
{{range .Top}}
{{.Rank}}. {{.Title}}: {{truncate .Reasoning 200}}...{{end}}`

var funcs = template.FuncMap{
	"join":        strings.Join,
	"comma":       func(n int) string { return humanize.Comma(int64(n)) },
	"truncate":    Truncate,
	"sampleTable": sampleTable,
}

var templates = template.Must(template.New("prompts").Funcs(funcs).Parse(
	`{{define "schema"}}` + schemaTemplate + `{{end}}` +
		`{{define "hypothesis"}}` + hypothesisTemplate + `{{end}}` +
		`{{define "analysis"}}` + analysisTemplate + `{{end}}` +
		`{{define "verdict"}}` + verdictTemplate + `{{end}}` +
		`{{define "summary"}}` + summaryTemplate + `{{end}}`,
))

func (m *promptManagerImpl) SchemaSystem() string     { return schemaSystemPrompt }
func (m *promptManagerImpl) HypothesisSystem() string { return hypothesisSystemPrompt }
func (m *promptManagerImpl) AnalysisSystem() string   { return analysisSystemPrompt }
func (m *promptManagerImpl) VerdictSystem() string    { return verdictSystemPrompt }
func (m *promptManagerImpl) SummarySystem() string    { return summarySystemPrompt }

func (m *promptManagerImpl) RenderSchemaInference(c SchemaContext) (string, error) {
	return render("schema", c)
}

func (m *promptManagerImpl) RenderHypothesisGeneration(c HypothesisContext) (string, error) {
	return render("hypothesis", c)
}

func (m *promptManagerImpl) RenderAnalysis(c AnalysisContext) (string, error) {
	return render("analysis", c)
}

func (m *promptManagerImpl) RenderVerdictRequest(c VerdictContext) (string, error) {
	return render("verdict", c)
}

func (m *promptManagerImpl) RenderExecutiveSummary(c SummaryContext) (string, error) {
	return render("summary", c)
}

func render(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", name, err)
	}
	return buf.String(), nil
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// sampleTable renders the first five sample rows as a markdown table, each
// cell capped at 30 bytes.
func sampleTable(headers []string, rows [][]string) string {
	var sb strings.Builder
	sb.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	seps := make([]string, len(headers))
	for i := range seps {
		seps[i] = "---"
	}
	sb.WriteString("| " + strings.Join(seps, " | ") + " |\n")
	for i, row := range rows {
		if i == 5 {
			break
		}
		cells := make([]string, len(headers))
		for j := range headers {
			if j < len(row) {
				cells[j] = Truncate(row[j], 30)
			}
		}
		sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return sb.String()
}
