package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

type runIDKey struct{}

// WithRunID attaches the id of the run being executed to ctx.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run id set by WithRunID.
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

// RunIndex records run starts and results in the investigations table.
type RunIndex struct {
	store InvestigationStore
}

// NewRunIndex returns a recorder over store.
func NewRunIndex(store InvestigationStore) *RunIndex {
	return &RunIndex{store: store}
}

// RunStarted writes a running row. A run without an id in ctx gets a fresh
// one.
func (x *RunIndex) RunStarted(ctx context.Context, s *investigation.State, startedAt time.Time) error {
	runID, ok := RunIDFromContext(ctx)
	if !ok {
		runID = uuid.New().String()
	}
	return x.store.SaveInvestigation(ctx, &InvestigationRecord{
		SessionID:    s.SessionID,
		RunID:        runID,
		TargetMetric: s.TargetMetric,
		Status:       string(investigation.StatusRunning),
		StartedAt:    startedAt,
	})
}

// RunFinished updates the row with the final state.
func (x *RunIndex) RunFinished(ctx context.Context, s *investigation.State, finishedAt time.Time) error {
	rec, err := x.store.GetInvestigation(ctx, s.SessionID)
	if err != nil {
		rec = &InvestigationRecord{SessionID: s.SessionID, StartedAt: finishedAt}
		if id, ok := RunIDFromContext(ctx); ok {
			rec.RunID = id
		} else {
			rec.RunID = uuid.New().String()
		}
	}
	rec.TargetMetric = s.TargetMetric
	rec.Status = string(s.Status)
	rec.Error = s.Error
	rec.Hypotheses = len(s.Hypotheses)
	rec.Confirmed = len(s.ConfirmedFindings())
	rec.ReportPath = s.ReportPath
	rec.MemoryDocumentID = s.MemoryDocumentID
	rec.TotalTokens, rec.CostUSD = 0, 0
	for _, l := range s.SessionLogs {
		rec.TotalTokens += l.TotalTokens
		rec.CostUSD += l.CostUSD
	}
	rec.FinishedAt = &finishedAt
	return x.store.SaveInvestigation(ctx, rec)
}
