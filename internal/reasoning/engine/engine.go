package engine

import (
	"context"
	"time"

	"github.com/MLMario/metric-explorer/internal/llm/types"
	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
	"github.com/MLMario/metric-explorer/internal/tabular"
)

// Package engine provides the investigation orchestrator: the stage graph
// that turns uploaded files, a target metric and two periods into a ledger
// of findings and a report.
//
// Stage graph:
//
//   SchemaInference → MetricIdentification
//   MetricIdentification → HypothesisGeneration   (metric validated)
//   MetricIdentification → ErrorExit              (metric not found)
//   HypothesisGeneration → AnalysisExecution → MemoryDump
//   MemoryDump → ReportGenerator                  (any finding CONFIRMED)
//   MemoryDump → NoFindingsReport                 (nothing confirmed)
//   ReportGenerator | NoFindingsReport | ErrorExit → End
//
// Stage contract:
//   - A stage reads the state and returns an Update; it never writes the
//     state itself. Run applies the Update with Merge. A transition that
//     must be visible while the stage is still working (a hypothesis moving
//     to INVESTIGATING) is committed early through run.commit, which also
//     goes through Merge.
//   - Hypotheses, findings and session logs are appended by Merge. Status
//     transitions of existing hypotheses travel separately in
//     Update.StatusChanges.
//   - Next is a pure function of (stage, state) and is tested on its own.
//
// Failure handling:
//   - Only a failed metric validation ends the run with status failed
//     through ErrorExit.
//   - Schema inference and hypothesis generation fall back to empty or
//     default output.
//   - One hypothesis failing is recorded as a RULED_OUT, LOW confidence
//     finding and the loop continues.
//   - The memory store is optional; failing to store does not fail the run.
//   - Report rendering failures write a minimal error report and set status
//     failed.
//   Every degraded failure is also written to the progress log.
//
// Concurrency:
//   - Stages of one run execute strictly in sequence. Hypotheses are
//     investigated one at a time because they share the analysis directory.
//   - Schema inference reads the input files concurrently.
//   - Runs of different sessions are independent. Callers must not start
//     two runs for the same session; the server's run registry enforces it.
//
// Events are published to subscribers of the session (WebSocket clients)
// as each stage, hypothesis, tool call and text token happens.

// Stage names a node of the investigation graph.
type Stage string

const (
	StageSchemaInference      Stage = "schema_inference"
	StageMetricIdentification Stage = "metric_identification"
	StageHypothesisGeneration Stage = "hypothesis_generation"
	StageAnalysisExecution    Stage = "analysis_execution"
	StageMemoryDump           Stage = "memory_dump"
	StageReportGenerator      Stage = "report_generator"
	StageNoFindingsReport     Stage = "no_findings_report"
	StageErrorExit            Stage = "error_exit"
	StageEnd                  Stage = "end"
)

// Next returns the stage that follows current given the merged state.
func Next(current Stage, s *investigation.State) Stage {
	switch current {
	case StageSchemaInference:
		return StageMetricIdentification
	case StageMetricIdentification:
		if s.MetricRequirements != nil && s.MetricRequirements.Validated {
			return StageHypothesisGeneration
		}
		return StageErrorExit
	case StageHypothesisGeneration:
		return StageAnalysisExecution
	case StageAnalysisExecution:
		return StageMemoryDump
	case StageMemoryDump:
		if s.HasConfirmed() {
			return StageReportGenerator
		}
		return StageNoFindingsReport
	default:
		return StageEnd
	}
}

// Update is the partial output of one stage.
type Update struct {
	// Replaced when non-nil.
	Files              []investigation.FileInfo
	DataModel          *investigation.DataModel
	SelectedDimensions []string
	MetricRequirements *investigation.MetricRequirements
	Explanations       []investigation.Explanation

	// Appended.
	Hypotheses  []investigation.Hypothesis
	Findings    []investigation.Finding
	SessionLogs []investigation.SessionLog

	// StatusChanges moves existing hypotheses to a new status by id.
	StatusChanges map[string]investigation.HypothesisStatus

	// Set when non-empty.
	ReportPath       string
	MemoryDocumentID string
	Status           investigation.RunStatus
	Error            string
}

// Merge applies u to s.
func Merge(s *investigation.State, u Update) {
	if u.Files != nil {
		s.Files = u.Files
	}
	if u.DataModel != nil {
		s.DataModel = u.DataModel
	}
	if u.SelectedDimensions != nil {
		s.SelectedDimensions = u.SelectedDimensions
	}
	if u.MetricRequirements != nil {
		s.MetricRequirements = u.MetricRequirements
	}
	if u.Explanations != nil {
		s.Explanations = u.Explanations
	}

	s.Hypotheses = append(s.Hypotheses, u.Hypotheses...)
	s.Findings = append(s.Findings, u.Findings...)
	s.SessionLogs = append(s.SessionLogs, u.SessionLogs...)

	for i := range s.Hypotheses {
		if st, ok := u.StatusChanges[s.Hypotheses[i].ID]; ok {
			s.Hypotheses[i].Status = st
		}
	}

	if u.ReportPath != "" {
		s.ReportPath = u.ReportPath
	}
	if u.MemoryDocumentID != "" {
		s.MemoryDocumentID = u.MemoryDocumentID
	}
	if u.Status != "" {
		s.Status = u.Status
	}
	if u.Error != "" {
		s.Error = u.Error
	}
}

// ─── Collaborators ────────────────────────────────────────────────────────────

// LLM is the reasoning collaborator. adapter.LLMAdapter satisfies it.
type LLM interface {
	Provider() string
	Model() string
	Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error)
	CompleteWithTools(
		ctx context.Context,
		req types.CompletionRequest,
		tools []types.Tool,
		executor types.ToolExecutor,
		cfg types.AgentConfig,
	) (<-chan types.AgentStreamEvent, error)
}

// FileReader reads uploaded tabular files. *tabular.Reader satisfies it.
type FileReader interface {
	Headers(path string) ([]string, error)
	SampleRows(path string, n int) ([]tabular.Row, error)
	RowCount(path string) (int, error)
}

// FileStager copies a session's input files into a working directory.
type FileStager interface {
	CopyFiles(sessionID, targetDir string) ([]string, error)
}

// PathResolver maps a session id to its root directory.
type PathResolver interface {
	Root(sessionID string) (string, error)
}

// MemoryStore keeps memory documents for later retrieval. A nil store, or
// one returning an error wrapping vector.ErrNotConfigured, means local only.
type MemoryStore interface {
	StoreDocument(ctx context.Context, sessionID, content string, metadata map[string]string) (string, error)
}

// RunRecorder is notified when a run starts and finishes. The SQLite run
// index implements it.
type RunRecorder interface {
	RunStarted(ctx context.Context, s *investigation.State, startedAt time.Time) error
	RunFinished(ctx context.Context, s *investigation.State, finishedAt time.Time) error
}

// ─── Events ───────────────────────────────────────────────────────────────────

// EventType classifies engine events.
type EventType string

const (
	EventStage      EventType = "stage"
	EventHypothesis EventType = "hypothesis"
	EventTool       EventType = "tool"
	EventText       EventType = "text"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is streamed to subscribers of a session while a run is active.
type Event struct {
	SessionID        string                         `json:"session_id"`
	Type             EventType                      `json:"type"`
	Stage            Stage                          `json:"stage,omitempty"`
	HypothesisID     string                         `json:"hypothesis_id,omitempty"`
	HypothesisStatus investigation.HypothesisStatus `json:"hypothesis_status,omitempty"`
	Outcome          investigation.Outcome          `json:"outcome,omitempty"`
	ToolEvent        *types.ToolEvent               `json:"tool_event,omitempty"`
	TextToken        string                         `json:"text_token,omitempty"`
	Status           investigation.RunStatus        `json:"status,omitempty"`
	Error            string                         `json:"error,omitempty"`
	Timestamp        time.Time                      `json:"timestamp"`
}

// Subscriber receives events of one session. Ch is closed when the run ends
// or the subscriber is removed.
type Subscriber struct {
	Ch chan Event
}

// Engine runs investigations.
type Engine interface {
	// Run drives s through the stage graph and returns the final state. The
	// error is non-nil only when the run could not start (nil state,
	// unresolvable session root) or ctx was cancelled.
	Run(ctx context.Context, s *investigation.State) (*investigation.State, error)

	// Subscribe registers for the events of a session's next or current run.
	Subscribe(sessionID string) *Subscriber

	// Unsubscribe removes and closes a subscriber.
	Unsubscribe(sessionID string, sub *Subscriber)
}
