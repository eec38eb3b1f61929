package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

func TestRenderSchemaInference(t *testing.T) {
	pm := NewPromptManager()
	out, err := pm.RenderSchemaInference(SchemaContext{Files: []SchemaFile{
		{
			Name:       "sales.csv",
			FileID:     "f1",
			RowCount:   12345,
			Headers:    []string{"date", "region", "revenue"},
			SampleRows: [][]string{{"2024-01-01", strings.Repeat("x", 40), "10"}},
		},
		{Name: "broken.csv", Error: "File not found at /tmp/broken.csv"},
	}})
	require.NoError(t, err)

	assert.Contains(t, out, "### sales.csv")
	assert.Contains(t, out, "**Row Count**: 12,345")
	assert.Contains(t, out, "**Description**: No description provided")
	assert.Contains(t, out, "**Columns**: date, region, revenue")
	assert.Contains(t, out, "| date | region | revenue |\n| --- | --- | --- |")
	assert.Contains(t, out, "| 2024-01-01 | "+strings.Repeat("x", 30)+" | 10 |")
	assert.Contains(t, out, "### broken.csv\n**Error**: File not found")
}

func TestRenderHypothesisGenerationDefaults(t *testing.T) {
	out, err := NewPromptManager().RenderHypothesisGeneration(HypothesisContext{
		TargetMetric:   "revenue",
		BaselinePeriod: investigation.DateRange{Start: "2024-01-01", End: "2024-01-31"},
	})
	require.NoError(t, err)

	assert.Contains(t, out, "**Source File**: Unknown")
	assert.Contains(t, out, "**Baseline**: 2024-01-01 to 2024-01-31")
	assert.Contains(t, out, "**Comparison**: N/A to N/A")
	assert.Contains(t, out, "No context provided")
	assert.Contains(t, out, "No specific focus areas provided")
	assert.Contains(t, out, "No dimensions identified")
}

func TestRenderHypothesisGenerationWithSource(t *testing.T) {
	out, err := NewPromptManager().RenderHypothesisGeneration(HypothesisContext{
		TargetMetric:        "revenue",
		SourceFile:          &investigation.SourceFile{FileID: "f1", FileName: "sales.csv"},
		AvailableDimensions: []string{"region", "channel"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "sales.csv (ID: f1)")
	assert.Contains(t, out, "region, channel")
}

func TestRenderAnalysis(t *testing.T) {
	out, err := NewPromptManager().RenderAnalysis(AnalysisContext{
		Hypothesis: investigation.Hypothesis{
			ID: "H1", Title: "EU churn", CausalStory: "EU customers left",
			ExpectedPattern: "EU revenue drops", Dimensions: []string{"region", "segment"},
		},
		TargetMetric:  "revenue",
		Files:         []string{"a.csv", "b.csv"},
		SchemaSummary: "sales.csv: date (timestamp), region (dimension)",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "## Hypothesis: EU churn")
	assert.Contains(t, out, "**Dimensions**: region, segment")
	assert.Contains(t, out, "- a.csv\n- b.csv\n")
	assert.Contains(t, out, "sales.csv: date (timestamp)")
}

func TestRenderExecutiveSummaryTruncatesReasoning(t *testing.T) {
	out, err := NewPromptManager().RenderExecutiveSummary(SummaryContext{
		TargetMetric: "revenue",
		Top:          []SummaryItem{{Rank: 1, Title: "EU churn", Reasoning: strings.Repeat("r", 300)}},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "1. EU churn: "+strings.Repeat("r", 200)+"...")
	assert.NotContains(t, out, strings.Repeat("r", 201))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	// "é" is two bytes; cutting in the middle backs off.
	assert.Equal(t, "a", Truncate("aé", 2))
}

func TestSystemPrompts(t *testing.T) {
	pm := NewPromptManager()
	assert.Contains(t, pm.AnalysisSystem(), "analysis/scripts/")
	assert.Contains(t, pm.AnalysisSystem(), "Conclude")
	assert.NotEmpty(t, pm.SchemaSystem())
	assert.NotEmpty(t, pm.HypothesisSystem())
	assert.NotEmpty(t, pm.VerdictSystem())
	assert.NotEmpty(t, pm.SummarySystem())
}
