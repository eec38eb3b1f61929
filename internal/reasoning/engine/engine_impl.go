package engine

// Package engine: concrete Engine implementation.
//
// Run walks the stage graph one stage at a time:
//   publish stage event → run stage under a span → Merge → Next
//
// Every stage is timed into metrics.StageDuration and audited as
// stage.completed. Subscribers get every engine event; slow subscribers
// drop events instead of blocking the run.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MLMario/metric-explorer/internal/audit"
	"github.com/MLMario/metric-explorer/internal/llm/adapter"
	"github.com/MLMario/metric-explorer/internal/memory/ledger"
	"github.com/MLMario/metric-explorer/internal/memory/progress"
	"github.com/MLMario/metric-explorer/internal/metrics"
	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
	"github.com/MLMario/metric-explorer/internal/reasoning/prompt"
	"github.com/MLMario/metric-explorer/internal/tabular"
)

var tracer = otel.Tracer("metric-explorer.engine")

// ErrNilState is returned by Run when called without a state.
var ErrNilState = errors.New("engine: nil investigation state")

// Config tunes a run.
type Config struct {
	// MaxTurns caps the agent loop per hypothesis.
	MaxTurns int
	// SampleRows is how many rows schema inference samples per file.
	SampleRows int
	// CommandTimeout bounds one Bash tool call.
	CommandTimeout time.Duration
	// MaxTokens is the response cap for structured completions.
	MaxTokens int
	// ReadConcurrency bounds parallel file reads in schema inference.
	ReadConcurrency int
}

// DefaultConfig returns the defaults used by the server and CLI.
func DefaultConfig() Config {
	return Config{
		MaxTurns:        10,
		SampleRows:      10,
		CommandTimeout:  120 * time.Second,
		MaxTokens:       4096,
		ReadConcurrency: 4,
	}
}

// Deps are the collaborators of the engine. Paths is required; every other
// field has a default or is optional.
type Deps struct {
	LLM     LLM
	Prompts prompt.PromptManager
	Ledger  ledger.Store
	Reader  FileReader
	Stager  FileStager
	Paths   PathResolver
	Memory  MemoryStore
	Runs    RunRecorder
	Audit   audit.Logger
	Logger  *zap.Logger
}

// engineImpl is the concrete Engine.
type engineImpl struct {
	cfg     Config
	llm     LLM
	prompts prompt.PromptManager
	ledger  ledger.Store
	reader  FileReader
	stager  FileStager
	paths   PathResolver
	memory  MemoryStore
	runs    RunRecorder
	audit   audit.Logger
	logger  *zap.Logger

	now func() time.Time

	// Subscribers (session ID → list of subscribers)
	subsMu      sync.Mutex
	subscribers map[string][]*Subscriber
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, deps Deps) (Engine, error) {
	return newEngine(cfg, deps)
}

func newEngine(cfg Config, deps Deps) (*engineImpl, error) {
	if deps.Paths == nil {
		return nil, errors.New("engine: a session path resolver is required")
	}
	def := DefaultConfig()
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = def.SampleRows
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = def.ReadConcurrency
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &engineImpl{
		cfg:         cfg,
		llm:         deps.LLM,
		prompts:     deps.Prompts,
		ledger:      deps.Ledger,
		reader:      deps.Reader,
		stager:      deps.Stager,
		paths:       deps.Paths,
		memory:      deps.Memory,
		runs:        deps.Runs,
		audit:       deps.Audit,
		logger:      logger,
		now:         time.Now,
		subscribers: make(map[string][]*Subscriber),
	}
	if e.prompts == nil {
		e.prompts = prompt.NewPromptManager()
	}
	if e.ledger == nil {
		e.ledger = ledger.NewStore(logger)
	}
	if e.reader == nil {
		e.reader = tabular.NewReader()
	}
	return e, nil
}

// run carries per-run context through the stage functions.
type run struct {
	sessionID string
	root      string
	started   time.Time
	progress  *progress.Log
	// commit merges an Update into the state before the stage returns.
	commit func(Update)
}

// ─── Subscribers ──────────────────────────────────────────────────────────────

// Subscribe registers a channel to receive real-time events of a session.
func (e *engineImpl) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{Ch: make(chan Event, 64)}
	e.subsMu.Lock()
	e.subscribers[sessionID] = append(e.subscribers[sessionID], sub)
	e.subsMu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call after the run
// already closed it.
func (e *engineImpl) Unsubscribe(sessionID string, sub *Subscriber) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	subs := e.subscribers[sessionID]
	for i, s := range subs {
		if s == sub {
			e.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
			close(s.Ch)
			break
		}
	}
	if len(e.subscribers[sessionID]) == 0 {
		delete(e.subscribers, sessionID)
	}
}

// publish sends an event to all subscribers of the session.
func (e *engineImpl) publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, s := range e.subscribers[ev.SessionID] {
		select {
		case s.Ch <- ev:
		default:
		}
	}
}

// closeSubs closes all subscriber channels of a session.
func (e *engineImpl) closeSubs(sessionID string) {
	e.subsMu.Lock()
	subs := e.subscribers[sessionID]
	delete(e.subscribers, sessionID)
	e.subsMu.Unlock()
	for _, s := range subs {
		close(s.Ch)
	}
}

// ─── Run loop ─────────────────────────────────────────────────────────────────

// Run drives s through the stage graph.
func (e *engineImpl) Run(ctx context.Context, s *investigation.State) (*investigation.State, error) {
	if s == nil {
		return nil, ErrNilState
	}
	root, err := e.paths.Root(s.SessionID)
	if err != nil {
		return s, fmt.Errorf("resolve session root: %w", err)
	}
	defer e.closeSubs(s.SessionID)

	ctx = adapter.WithSession(ctx, s.SessionID)
	ctx, span := tracer.Start(ctx, "engine.Run",
		trace.WithAttributes(
			attribute.String("session.id", s.SessionID),
			attribute.String("metric.target", s.TargetMetric),
			attribute.Int("files.count", len(s.Files)),
		),
	)
	defer span.End()

	r := &run{
		sessionID: s.SessionID,
		root:      root,
		started:   e.now(),
		progress:  progress.New(root, e.logger),
		commit:    func(u Update) { Merge(s, u) },
	}
	s.Status = investigation.StatusRunning

	metrics.ActiveInvestigations.Inc()
	defer metrics.ActiveInvestigations.Dec()

	e.logger.Info("Investigation started",
		zap.String("session_id", s.SessionID),
		zap.String("target_metric", s.TargetMetric),
		zap.Int("files", len(s.Files)))
	if e.audit != nil {
		_ = e.audit.LogInvestigationStarted(ctx, s.SessionID, s.TargetMetric)
	}
	if e.runs != nil {
		if err := e.runs.RunStarted(ctx, s, r.started); err != nil {
			e.logger.Warn("Failed to index run start", zap.String("session_id", s.SessionID), zap.Error(err))
		}
	}

	stage := StageSchemaInference
	for stage != StageEnd {
		if err := ctx.Err(); err != nil {
			Merge(s, Update{Status: investigation.StatusFailed, Error: fmt.Sprintf("Investigation cancelled: %v", err)})
			e.progressError(r, s.Error)
			span.RecordError(err)
			span.SetStatus(codes.Error, "context canceled")
			e.finish(ctx, r, s)
			return s, err
		}

		e.publish(Event{SessionID: s.SessionID, Type: EventStage, Stage: stage, Status: s.Status})
		start := e.now()
		u := e.execStage(ctx, r, stage, s)
		Merge(s, u)
		elapsed := e.now().Sub(start)

		metrics.StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
		if e.audit != nil {
			_ = e.audit.LogStageCompleted(ctx, s.SessionID, string(stage), elapsed)
		}
		e.logger.Debug("Stage completed",
			zap.String("session_id", s.SessionID),
			zap.String("stage", string(stage)),
			zap.Duration("duration", elapsed))

		stage = Next(stage, s)
	}

	if s.Status == investigation.StatusFailed {
		span.SetStatus(codes.Error, s.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	e.finish(ctx, r, s)
	return s, nil
}

// execStage runs one stage under its own span.
func (e *engineImpl) execStage(ctx context.Context, r *run, stage Stage, s *investigation.State) Update {
	ctx, span := tracer.Start(ctx, "stage/"+string(stage),
		trace.WithAttributes(attribute.String("session.id", r.sessionID)))
	defer span.End()

	switch stage {
	case StageSchemaInference:
		return e.schemaInference(ctx, r, s)
	case StageMetricIdentification:
		return e.metricIdentification(ctx, r, s)
	case StageHypothesisGeneration:
		return e.hypothesisGeneration(ctx, r, s)
	case StageAnalysisExecution:
		return e.analysisExecution(ctx, r, s)
	case StageMemoryDump:
		return e.memoryDump(ctx, r, s)
	case StageReportGenerator:
		return e.reportGenerator(ctx, r, s)
	case StageNoFindingsReport:
		return e.noFindingsReport(ctx, r, s)
	case StageErrorExit:
		return errorExit(s)
	default:
		return Update{}
	}
}

// finish records the terminal status everywhere it is observed.
func (e *engineImpl) finish(ctx context.Context, r *run, s *investigation.State) {
	finished := e.now()
	elapsed := finished.Sub(r.started)
	// Audit and index writes must not be lost to a cancelled run context.
	bg := context.WithoutCancel(ctx)

	metrics.InvestigationsTotal.WithLabelValues(string(s.Status)).Inc()
	metrics.InvestigationDuration.Observe(elapsed.Seconds())

	if e.audit != nil {
		if s.Status == investigation.StatusFailed {
			_ = e.audit.LogInvestigationFailed(bg, s.SessionID, errors.New(s.Error))
		} else {
			_ = e.audit.LogInvestigationCompleted(bg, s.SessionID, string(s.Status), elapsed)
		}
	}
	if e.runs != nil {
		if err := e.runs.RunFinished(bg, s, finished); err != nil {
			e.logger.Warn("Failed to index run result", zap.String("session_id", s.SessionID), zap.Error(err))
		}
	}

	e.logger.Info("Investigation finished",
		zap.String("session_id", s.SessionID),
		zap.String("status", string(s.Status)),
		zap.Int("hypotheses", len(s.Hypotheses)),
		zap.Int("confirmed", len(s.ConfirmedFindings())),
		zap.Duration("duration", elapsed))

	if s.Status == investigation.StatusFailed {
		e.publish(Event{SessionID: s.SessionID, Type: EventError, Status: s.Status, Error: s.Error})
	}
	e.publish(Event{SessionID: s.SessionID, Type: EventDone, Status: s.Status})
}

// progressError records a degraded failure in the progress log.
func (e *engineImpl) progressError(r *run, message string) {
	if err := r.progress.Error(message); err != nil {
		e.logger.Warn("Failed to write progress log", zap.String("session_id", r.sessionID), zap.Error(err))
	}
}

// note logs a failed progress write without interrupting the stage.
func (e *engineImpl) note(r *run, err error) {
	if err != nil {
		e.logger.Warn("Failed to write progress log", zap.String("session_id", r.sessionID), zap.Error(err))
	}
}
