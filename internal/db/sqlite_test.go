package db

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ─── Migrations ───────────────────────────────────────────────────────────────

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	var versions []int
	require.NoError(t, s.(*sqliteStore).db.Select(&versions, `SELECT version FROM schema_versions ORDER BY version`))
	assert.Equal(t, []int{1, 2, 3}, versions)
	assert.NoError(t, s.Ping(context.Background()))
}

// ─── Investigations ───────────────────────────────────────────────────────────

func TestInvestigationCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	rec := &InvestigationRecord{
		SessionID:    "s1",
		RunID:        "run-1",
		TargetMetric: "revenue",
		Status:       "running",
		StartedAt:    started,
	}
	require.NoError(t, s.SaveInvestigation(ctx, rec))

	got, err := s.GetInvestigation(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "revenue", got.TargetMetric)
	assert.True(t, started.Equal(got.StartedAt))
	assert.Nil(t, got.FinishedAt)

	finished := started.Add(3 * time.Minute)
	rec.Status = "completed"
	rec.Hypotheses, rec.Confirmed = 5, 2
	rec.ReportPath = "/tmp/s1/report.md"
	rec.TotalTokens, rec.CostUSD = 1200, 0.42
	rec.FinishedAt = &finished
	require.NoError(t, s.SaveInvestigation(ctx, rec))

	got, err = s.GetInvestigation(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 2, got.Confirmed)
	assert.Equal(t, 1200, got.TotalTokens)
	assert.InDelta(t, 0.42, got.CostUSD, 1e-9)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))

	require.NoError(t, s.DeleteInvestigation(ctx, "s1"))
	_, err = s.GetInvestigation(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListInvestigationsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveInvestigation(ctx, &InvestigationRecord{
			SessionID: fmt.Sprintf("s%d", i),
			RunID:     fmt.Sprintf("r%d", i),
			Status:    "completed",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	list, err := s.ListInvestigations(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s2", list[0].SessionID)
	assert.Equal(t, "s1", list[1].SessionID)

	list, err = s.ListInvestigations(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s0", list[0].SessionID)
}

// ─── Run index ────────────────────────────────────────────────────────────────

func TestRunIndexRecordsStartAndFinish(t *testing.T) {
	s := newTestStore(t)
	idx := NewRunIndex(s)
	ctx := WithRunID(context.Background(), "run-42")
	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	st := investigation.NewState("s1", "revenue", nil)
	require.NoError(t, idx.RunStarted(ctx, st, started))

	got, err := s.GetInvestigation(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "run-42", got.RunID)
	assert.Equal(t, "running", got.Status)

	st.Status = investigation.StatusCompleted
	st.Hypotheses = []investigation.Hypothesis{{ID: "H1"}, {ID: "H2"}}
	st.Findings = []investigation.Finding{
		{HypothesisID: "H1", Outcome: investigation.OutcomeConfirmed},
		{HypothesisID: "H2", Outcome: investigation.OutcomeRuledOut},
	}
	st.SessionLogs = []investigation.SessionLog{{TotalTokens: 100, CostUSD: 0.1}, {TotalTokens: 50, CostUSD: 0.05}}
	st.ReportPath = "/sessions/s1/report.md"
	require.NoError(t, idx.RunFinished(ctx, st, started.Add(time.Minute)))

	got, err = s.GetInvestigation(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 2, got.Hypotheses)
	assert.Equal(t, 1, got.Confirmed)
	assert.Equal(t, 150, got.TotalTokens)
	assert.InDelta(t, 0.15, got.CostUSD, 1e-9)
	assert.True(t, started.Equal(got.StartedAt))
	require.NotNil(t, got.FinishedAt)
}

func TestRunIndexGeneratesRunID(t *testing.T) {
	s := newTestStore(t)
	st := investigation.NewState("s1", "revenue", nil)
	require.NoError(t, NewRunIndex(s).RunStarted(context.Background(), st, time.Now()))

	got, err := s.GetInvestigation(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, got.RunID, 36)
}

// ─── Memory documents ─────────────────────────────────────────────────────────

func TestMemoryDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	doc := &MemoryDocument{ID: "d1", SessionID: "s1", Content: "# Memory", Summary: "revenue: 1/2 confirmed", CreatedAt: created}
	chunks := []MemoryChunk{
		{ID: "c1", ChunkIndex: 0, Content: "first"},
		{ID: "c2", ChunkIndex: 1, Content: "second"},
	}
	require.NoError(t, s.SaveMemoryDocument(ctx, doc, chunks))
	require.NoError(t, s.SaveMemoryDocument(ctx, &MemoryDocument{
		ID: "d2", SessionID: "s1", Content: "newer", CreatedAt: created.Add(time.Hour),
	}, nil))

	got, err := s.GetMemoryDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "# Memory", got.Content)
	assert.Equal(t, "revenue: 1/2 confirmed", got.Summary)

	latest, err := s.LatestMemoryDocument(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "d2", latest.ID)

	stored, err := s.MemoryChunks(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "d1", stored[0].DocumentID)
	assert.Equal(t, "second", stored[1].Content)

	_, err = s.GetMemoryDocument(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LatestMemoryDocument(ctx, "s9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveMemoryDocumentIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dup := []MemoryChunk{{ID: "c1", ChunkIndex: 0}, {ID: "c1", ChunkIndex: 1}}

	err := s.SaveMemoryDocument(ctx, &MemoryDocument{ID: "d1", SessionID: "s1", CreatedAt: time.Now()}, dup)
	require.Error(t, err)

	_, err = s.GetMemoryDocument(ctx, "d1")
	assert.ErrorIs(t, err, ErrNotFound)
}
