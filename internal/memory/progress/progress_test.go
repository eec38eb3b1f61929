package progress

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMilestonesAreAppendedInOrder(t *testing.T) {
	root := t.TempDir()
	l := New(root, nil)
	l.now = func() time.Time { return time.Date(2024, 3, 1, 9, 5, 7, 0, time.UTC) }

	require.NoError(t, l.InvestigationStarted())
	require.NoError(t, l.HypothesisStarted("H1", "EU pricing change"))
	require.NoError(t, l.HypothesisCompleted("H1", "EU pricing change", "CONFIRMED"))
	require.NoError(t, l.Error("Investigation of H2 failed: boom"))
	require.NoError(t, l.InvestigationCompleted(1, 2))

	text, err := l.Read()
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	assert.Equal(t, []string{
		"[2024-03-01 09:05:07] Investigation started",
		"[2024-03-01 09:05:07] Investigating: [H1] EU pricing change",
		"[2024-03-01 09:05:07] Completed: [H1] EU pricing change -> CONFIRMED",
		"[2024-03-01 09:05:07] ERROR: Investigation of H2 failed: boom",
		"[2024-03-01 09:05:07] Investigation complete - 1/2 hypotheses confirmed",
	}, lines)
}

func TestReadMissingLogIsEmpty(t *testing.T) {
	text, err := Read(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestMetricMessages(t *testing.T) {
	root := t.TempDir()
	l := New(root, nil)

	require.NoError(t, l.MetricValidated("revenue", "sales.csv"))
	require.NoError(t, l.MetricNotFound("profit"))
	require.NoError(t, l.SchemaInferred(2, 3))

	text, err := Read(root)
	require.NoError(t, err)
	assert.Contains(t, text, "Target metric 'revenue' found in sales.csv")
	assert.Contains(t, text, "ERROR: Target metric 'profit' not found in any file")
	assert.Contains(t, text, "Schema inference complete - 2 tables, 3 dimensions identified")
}
