package working

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

func sampleState() *investigation.State {
	s := investigation.NewState("sess-1", "revenue", nil)
	s.MetricDefinition = "sum of order value"
	s.BaselinePeriod = investigation.DateRange{Start: "2024-01-01", End: "2024-01-31"}
	s.ComparisonPeriod = investigation.DateRange{Start: "2024-02-01", End: "2024-02-29"}
	s.BusinessContext = "Price change in EU on Feb 1"
	s.DataModel = &investigation.DataModel{
		Tables: []investigation.TableInfo{{
			Name:     "orders.csv",
			RowCount: 125000,
			Columns: []investigation.ColumnSchema{
				{Name: "a", InferredType: investigation.RoleDimension},
				{Name: "b", InferredType: investigation.RoleDimension},
				{Name: "c", InferredType: investigation.RoleMeasure},
				{Name: "d", InferredType: investigation.RoleID},
				{Name: "e", InferredType: investigation.RoleTimestamp},
				{Name: "f", InferredType: investigation.RoleMeasure},
				{Name: "g", InferredType: investigation.RoleMeasure},
			},
		}},
		Relationships: []investigation.Relationship{{
			FromTable: "orders", FromColumn: "customer_id",
			ToTable: "customers", ToColumn: "id",
			RelationshipType: investigation.RelationshipForeignKey,
		}},
		RecommendedDimensions: []string{"region", "channel"},
	}
	s.Hypotheses = []investigation.Hypothesis{
		{ID: "H1", Title: "EU price increase", Status: investigation.HypothesisConfirmed, Dimensions: []string{"region"}},
		{ID: "H2", Title: "Mobile checkout bug", Status: investigation.HypothesisRuledOut},
	}
	return s
}

func TestCompileRendersEverySection(t *testing.T) {
	doc := Compile(Input{
		State: sampleState(),
		Findings: []investigation.Finding{{
			FindingID: "FH1", HypothesisID: "H1",
			Outcome: investigation.OutcomeConfirmed, Confidence: investigation.ConfidenceHigh,
			Evidence: "EU revenue -18%", KeyMetrics: []string{"EU: -18%"},
		}},
		Progress:    "[2024-03-01 10:00:00] Investigation started\n",
		GeneratedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	})

	for _, want := range []string{
		"# Investigation Memory Document",
		"Session ID: sess-1",
		"Generated: 2024-03-01T12:00:00Z",
		"**Baseline Period**: 2024-01-01 to 2024-01-31",
		"**Business Context**:",
		"- **orders.csv**: 125,000 rows",
		"Columns: a (dimension), b (dimension), c (measure), d (id), e (timestamp) (+2 more)",
		"- orders.customer_id -> customers.id (foreign_key)",
		"region, channel",
		"### [✓] H1: EU price increase",
		"### [✗] H2: Mobile checkout bug",
		"### Finding FH1",
		"- EU: -18%",
		"```\n[2024-03-01 10:00:00] Investigation started\n```",
		"*This document is generated for RAG-based Q&A retrieval*",
	} {
		assert.Contains(t, doc, want)
	}
	assert.NotContains(t, doc, "**Investigation Focus**")
	assert.NotContains(t, doc, "## Explanations (Ranked)")
}

func TestCompileToleratesEmptyState(t *testing.T) {
	assert.NotPanics(t, func() {
		doc := Compile(Input{})
		assert.Contains(t, doc, "Session ID: Unknown")
		assert.Contains(t, doc, "**Baseline Period**: N/A to N/A")
		assert.Contains(t, doc, "*No data model available*")
		assert.Contains(t, doc, "*No hypotheses generated*")
		assert.Contains(t, doc, "*No findings available*")
		assert.Contains(t, doc, "*No progress log available*")
	})
}

func TestCompileExplanations(t *testing.T) {
	s := sampleState()
	s.Explanations = []investigation.Explanation{{
		Rank: 1, Title: "EU price increase", Likelihood: investigation.LikelihoodMostLikely,
		Evidence: []investigation.Evidence{{Metric: "EU revenue", Value: "-18%", Interpretation: "drop after price change"}},
	}}
	doc := Compile(Input{State: s})
	assert.Contains(t, doc, "### 1. EU price increase")
	assert.Contains(t, doc, "- EU revenue: -18% (drop after price change)")
}

func TestSummary(t *testing.T) {
	s := sampleState()
	assert.Equal(t, "Investigation of revenue: 1 of 2 hypotheses confirmed. Top finding: EU price increase", Summary(s))

	s.Hypotheses[0].Status = investigation.HypothesisRuledOut
	assert.Equal(t, "Investigation of revenue: 0 of 2 hypotheses confirmed. No clear explanation found.", Summary(s))
}
