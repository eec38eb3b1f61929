package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

func finding(id string, outcome investigation.Outcome) investigation.Finding {
	return investigation.Finding{
		FindingID:     "F" + id,
		HypothesisID:  id,
		Outcome:       outcome,
		Evidence:      "evidence for " + id,
		Confidence:    investigation.ConfidenceMedium,
		KeyMetrics:    []string{"delta: -12%"},
		SessionLogRef: "analysis/logs/session_" + id + ".json",
		CompletedAt:   "2024-03-01T10:00:00Z",
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	root := t.TempDir()
	store := NewStore(nil)

	require.NoError(t, store.Initialize(root))
	_, err := store.Append(root, finding("H1", investigation.OutcomeConfirmed))
	require.NoError(t, err)

	require.NoError(t, store.Initialize(root))

	all, err := store.ReadAll(root)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAppendKeepsSummaryConsistent(t *testing.T) {
	root := t.TempDir()
	store := NewStore(nil)

	outcomes := []investigation.Outcome{
		investigation.OutcomeConfirmed,
		investigation.OutcomeRuledOut,
		investigation.OutcomeRuledOut,
		investigation.OutcomeConfirmed,
	}
	for i, o := range outcomes {
		s, err := store.Append(root, finding(fmt.Sprintf("H%d", i+1), o))
		require.NoError(t, err)
		assert.Equal(t, i+1, s.TotalHypotheses)
		assert.Equal(t, s.TotalHypotheses, s.Confirmed+s.RuledOut+s.Pending)
		assert.GreaterOrEqual(t, s.Pending, 0)
	}

	l, err := store.Read(root)
	require.NoError(t, err)
	assert.Equal(t, Summary{TotalHypotheses: 4, Confirmed: 2, RuledOut: 2}, l.Summary)
	assert.NotEmpty(t, l.UpdatedAt)
	assert.Equal(t, filepath.Base(root), l.SessionID)
}

func TestRoundTripPreservesOrder(t *testing.T) {
	root := t.TempDir()
	store := NewStore(nil)

	want := []investigation.Finding{
		finding("H3", investigation.OutcomeRuledOut),
		finding("H1", investigation.OutcomeConfirmed),
		finding("H2", investigation.OutcomeConfirmed),
	}
	for _, f := range want {
		_, err := store.Append(root, f)
		require.NoError(t, err)
	}

	got, err := NewStore(nil).ReadAll(root)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	confirmed, err := store.ReadConfirmed(root)
	require.NoError(t, err)
	require.Len(t, confirmed, 2)
	assert.Equal(t, "H1", confirmed[0].HypothesisID)
	assert.Equal(t, "H2", confirmed[1].HypothesisID)
}

func TestReadMissingLedgerInitializesLazily(t *testing.T) {
	root := t.TempDir()

	all, err := NewStore(nil).ReadAll(root)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = os.Stat(Path(root))
	assert.NoError(t, err)
}

func TestReadCorruptLedger(t *testing.T) {
	root := t.TempDir()
	store := NewStore(nil)
	require.NoError(t, store.Initialize(root))
	require.NoError(t, os.WriteFile(Path(root), []byte("{not json"), 0o644))

	_, err := store.ReadAll(root)
	assert.Error(t, err)
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	root := t.TempDir()
	store := NewStore(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Append(root, finding(fmt.Sprintf("H%d", i), investigation.OutcomeRuledOut))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	l, err := store.Read(root)
	require.NoError(t, err)
	assert.Len(t, l.Findings, 20)
	assert.Equal(t, 20, l.Summary.RuledOut)
}

func TestSummarizeCountsUnknownOutcomesAsPending(t *testing.T) {
	s := Summarize([]investigation.Finding{
		{Outcome: investigation.OutcomeConfirmed},
		{Outcome: ""},
	})
	assert.Equal(t, Summary{TotalHypotheses: 2, Confirmed: 1, Pending: 1}, s)
}
