package investigation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLikelihoodForRank(t *testing.T) {
	tests := []struct {
		rank int
		want Likelihood
	}{
		{1, LikelihoodMostLikely},
		{2, LikelihoodLikely},
		{3, LikelihoodLikely},
		{4, LikelihoodPossible},
		{10, LikelihoodPossible},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LikelihoodForRank(tt.rank), "rank %d", tt.rank)
	}
}

func TestParseOutcomeAndConfidence(t *testing.T) {
	assert.Equal(t, OutcomeConfirmed, ParseOutcome(" confirmed "))
	assert.Equal(t, OutcomeRuledOut, ParseOutcome("RULED_OUT"))
	assert.Equal(t, OutcomeRuledOut, ParseOutcome("maybe"))

	assert.Equal(t, ConfidenceHigh, ParseConfidence("high"))
	assert.Equal(t, ConfidenceMedium, ParseConfidence("MEDIUM"))
	assert.Equal(t, ConfidenceLow, ParseConfidence(""))

	assert.Equal(t, HypothesisConfirmed, OutcomeConfirmed.Status())
	assert.True(t, HypothesisRuledOut.Terminal())
	assert.False(t, HypothesisInvestigating.Terminal())
}

func TestDateRangeString(t *testing.T) {
	assert.Equal(t, "2024-01-01 to 2024-01-31", DateRange{Start: "2024-01-01", End: "2024-01-31"}.String())
	assert.Equal(t, "N/A to N/A", DateRange{}.String())
}

func TestAvailableDimensions(t *testing.T) {
	s := NewState("s1", "revenue", nil)
	assert.Empty(t, s.AvailableDimensions())

	s.DataModel = &DataModel{
		RecommendedDimensions: []string{"region", "channel"},
		Tables: []TableInfo{{
			Name: "sales",
			Columns: []ColumnSchema{
				{Name: "region", InferredType: RoleDimension},
				{Name: "device", InferredType: RoleDimension},
				{Name: "revenue", InferredType: RoleMeasure},
			},
		}},
	}
	assert.Equal(t, []string{"region", "channel", "device"}, s.AvailableDimensions())
}

func TestConfirmedFindingsKeepOrder(t *testing.T) {
	s := NewState("s1", "revenue", nil)
	s.Findings = []Finding{
		{FindingID: "FH1", Outcome: OutcomeConfirmed},
		{FindingID: "FH2", Outcome: OutcomeRuledOut},
		{FindingID: "FH3", Outcome: OutcomeConfirmed},
	}
	assert.True(t, s.HasConfirmed())

	ids := []string{}
	for _, f := range s.ConfirmedFindings() {
		ids = append(ids, f.FindingID)
	}
	assert.Equal(t, []string{"FH1", "FH3"}, ids)
}

func TestStateJSONUsesSessionFileNames(t *testing.T) {
	s := NewState("s1", "revenue", []FileInfo{{FileID: "f1", Name: "sales.csv"}})
	s.Findings = []Finding{{FindingID: "FH1", HypothesisID: "H1"}}

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Contains(t, fields, "findings_ledger")
	assert.Contains(t, fields, "baseline_period")
	assert.Equal(t, "running", fields["status"])
	assert.NotContains(t, fields, "error")
}
