package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/MLMario/metric-explorer/internal/db"
	"github.com/MLMario/metric-explorer/internal/memory/ledger"
	"github.com/MLMario/metric-explorer/internal/memory/progress"
	"github.com/MLMario/metric-explorer/internal/memory/working"
	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
	"github.com/MLMario/metric-explorer/internal/workspace"
)

const maxRequestBody = 1 << 20

// Machine-readable error codes returned in the error envelope.
const (
	codeSessionNotFound  = "SESSION_NOT_FOUND"
	codeInvalidSession   = "INVALID_SESSION_ID"
	codeNoFiles          = "NO_FILES_UPLOADED"
	codeInvalidDateRange = "INVALID_DATE_RANGE"
	codeAlreadyRunning   = "INVESTIGATION_ALREADY_RUNNING"
	codeNotComplete      = "INVESTIGATION_NOT_COMPLETE"
	codeNotFound         = "NOT_FOUND"
	codeValidation       = "VALIDATION_ERROR"
	codeInternal         = "INTERNAL_ERROR"
	codeUnavailable      = "SERVICE_UNAVAILABLE"
)

// ─── Request / response types ─────────────────────────────────────────────────

type dateRange struct {
	Start string `json:"start" validate:"required,datetime=2006-01-02"`
	End   string `json:"end" validate:"required,datetime=2006-01-02"`
}

// InvestigateRequest is the body of POST /sessions/{id}/investigate.
type InvestigateRequest struct {
	TargetMetric        string     `json:"target_metric" validate:"required,max=100"`
	MetricDefinition    string     `json:"metric_definition" validate:"max=2000"`
	BusinessContext     string     `json:"business_context" validate:"max=5000"`
	BaselinePeriod      *dateRange `json:"baseline_period" validate:"required"`
	ComparisonPeriod    *dateRange `json:"comparison_period" validate:"required"`
	InvestigationPrompt string     `json:"investigation_prompt" validate:"max=2000"`
}

// InvestigateResponse is returned when a run is accepted.
type InvestigateResponse struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// StatusResponse describes the latest run of a session.
type StatusResponse struct {
	SessionID    string     `json:"session_id"`
	RunID        string     `json:"run_id"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	TargetMetric string     `json:"target_metric,omitempty"`
	Hypotheses   int        `json:"hypotheses"`
	Confirmed    int        `json:"confirmed"`
	TotalTokens  int        `json:"total_tokens"`
	CostUSD      float64    `json:"cost_usd"`
	ReportReady  bool       `json:"report_ready"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// ArtifactResponse carries a text artifact of a session.
type ArtifactResponse struct {
	SessionID   string    `json:"session_id"`
	Content     string    `json:"content"`
	Status      string    `json:"status,omitempty"`
	DocumentID  string    `json:"document_id,omitempty"`
	Source      string    `json:"source,omitempty"`
	GeneratedAt time.Time `json:"generated_at,omitempty"`
}

type errorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

// ─── Investigate ──────────────────────────────────────────────────────────────

func (s *Server) handleInvestigate(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	root, ok := s.sessionRoot(w, sessionID)
	if !ok {
		return
	}
	if s.degraded != nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, s.degraded.Error(), nil)
		return
	}

	// The session is reserved before context.json is written so that a
	// rejected request never overwrites the inputs of the accepted one.
	runCtx, cancel := context.WithCancel(s.ctx)
	runID, err := s.runs.start(sessionID, cancel, s.now())
	if err != nil {
		cancel()
		writeError(w, http.StatusConflict, codeAlreadyRunning, err.Error(),
			map[string]interface{}{"session_id": sessionID})
		return
	}
	started := false
	defer func() {
		if !started {
			cancel()
			s.runs.release(sessionID, runID)
		}
	}()

	var req InvestigateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "Invalid request body: "+err.Error(), nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "Request validation failed",
			map[string]interface{}{"errors": validationErrors(err)})
		return
	}
	for name, p := range map[string]*dateRange{"baseline_period": req.BaselinePeriod, "comparison_period": req.ComparisonPeriod} {
		if p.Start > p.End {
			writeError(w, http.StatusBadRequest, codeInvalidDateRange, name+" starts after it ends",
				map[string]interface{}{"start": p.Start, "end": p.End})
			return
		}
	}

	files, err := workspace.ListFiles(root)
	if err != nil {
		s.internalError(w, "list session files", err)
		return
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, codeNoFiles, "At least one CSV file must be uploaded", nil)
		return
	}

	if err := workspace.SaveContext(root, workspace.Context{
		TargetMetric:        req.TargetMetric,
		MetricDefinition:    req.MetricDefinition,
		BusinessContext:     req.BusinessContext,
		BaselinePeriod:      investigation.DateRange{Start: req.BaselinePeriod.Start, End: req.BaselinePeriod.End},
		ComparisonPeriod:    investigation.DateRange{Start: req.ComparisonPeriod.Start, End: req.ComparisonPeriod.End},
		InvestigationPrompt: req.InvestigationPrompt,
	}); err != nil {
		s.internalError(w, "save investigation context", err)
		return
	}

	_ = os.Remove(filepath.Join(root, workspace.ErrorFile))

	started = true
	s.wg.Add(1)
	go s.execute(db.WithRunID(runCtx, runID), cancel, sessionID, runID, root)

	s.logger.Info("Investigation accepted",
		zap.String("session_id", sessionID),
		zap.String("run_id", runID),
		zap.String("target_metric", req.TargetMetric),
		zap.Int("files", len(files)))

	writeJSON(w, http.StatusAccepted, InvestigateResponse{
		SessionID: sessionID,
		RunID:     runID,
		Status:    string(investigation.StatusRunning),
		Message:   "Investigation started successfully",
	})
}

// execute runs one investigation in the background. A run that cannot start,
// fails or panics leaves error.json in the session directory.
func (s *Server) execute(ctx context.Context, cancel context.CancelFunc, sessionID, runID, root string) {
	defer s.wg.Done()
	defer cancel()

	status, msg := investigation.StatusFailed, ""
	st, err := workspace.LoadState(root, sessionID)
	if err == nil {
		var final *investigation.State
		final, err = s.runEngine(ctx, st)
		if err == nil && final != nil {
			status, msg = final.Status, final.Error
		}
		if errors.Is(err, errRunPanicked) {
			s.indexFailure(sessionID, runID, err)
		}
	} else {
		s.indexFailure(sessionID, runID, err)
	}

	if err != nil {
		msg = err.Error()
		s.logger.Error("Investigation failed",
			zap.String("session_id", sessionID),
			zap.String("run_id", runID),
			zap.Error(err))
		if werr := workspace.WriteError(root, err); werr != nil {
			s.logger.Warn("Failed to write error.json", zap.String("session_id", sessionID), zap.Error(werr))
		}
	} else {
		s.logger.Info("Investigation finished",
			zap.String("session_id", sessionID),
			zap.String("run_id", runID),
			zap.String("status", string(status)))
	}
	s.runs.finish(sessionID, runID, status, msg, s.now())
}

var errRunPanicked = errors.New("investigation crashed")

// runEngine turns a panic in the engine or a tool into an error.
func (s *Server) runEngine(ctx context.Context, st *investigation.State) (final *investigation.State, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Investigation panicked",
				zap.String("session_id", st.SessionID),
				zap.Any("panic", p),
				zap.Stack("stack"))
			final, err = nil, fmt.Errorf("%w: %v", errRunPanicked, p)
		}
	}()
	return s.engine.Run(ctx, st)
}

// indexFailure writes a failed row for a run the engine did not finish.
func (s *Server) indexFailure(sessionID, runID string, runErr error) {
	if s.store == nil {
		return
	}
	now := s.now()
	startedAt := now
	if info, ok := s.runs.get(sessionID); ok && info.RunID == runID {
		startedAt = info.StartedAt
	}
	if err := s.store.SaveInvestigation(context.Background(), &db.InvestigationRecord{
		SessionID:  sessionID,
		RunID:      runID,
		Status:     string(investigation.StatusFailed),
		Error:      runErr.Error(),
		StartedAt:  startedAt,
		FinishedAt: &now,
	}); err != nil {
		s.logger.Warn("Failed to index run", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// ─── Status ───────────────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	root, ok := s.sessionRoot(w, sessionID)
	if !ok {
		return
	}

	info, known := s.runs.get(sessionID)
	var rec *db.InvestigationRecord
	if s.store != nil && (!known || info.Status != investigation.StatusRunning) {
		got, err := s.store.GetInvestigation(r.Context(), sessionID)
		switch {
		case err == nil && (!known || got.RunID == info.RunID):
			rec = got
		case err != nil && !errors.Is(err, db.ErrNotFound):
			s.logger.Warn("Run index lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	var resp StatusResponse
	switch {
	case rec != nil:
		resp = StatusResponse{
			SessionID:    sessionID,
			RunID:        rec.RunID,
			Status:       rec.Status,
			Error:        rec.Error,
			TargetMetric: rec.TargetMetric,
			Hypotheses:   rec.Hypotheses,
			Confirmed:    rec.Confirmed,
			TotalTokens:  rec.TotalTokens,
			CostUSD:      rec.CostUSD,
			StartedAt:    rec.StartedAt,
			FinishedAt:   rec.FinishedAt,
		}
	case known:
		resp = StatusResponse{
			SessionID:  sessionID,
			RunID:      info.RunID,
			Status:     string(info.Status),
			Error:      info.Error,
			StartedAt:  info.StartedAt,
			FinishedAt: info.FinishedAt,
		}
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "No investigation has been started for this session", nil)
		return
	}
	if resp.Status != string(investigation.StatusRunning) {
		_, err := os.Stat(filepath.Join(root, workspace.ReportFile))
		resp.ReportReady = err == nil
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Artifacts ────────────────────────────────────────────────────────────────

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	root, _, ok := s.artifactRoot(w, r)
	if !ok {
		return
	}
	if _, err := os.Stat(ledger.Path(root)); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "No findings ledger for this session", nil)
		return
	}
	l, err := s.ledger.Read(root)
	if err != nil {
		s.internalError(w, "read findings ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	root, sessionID, ok := s.artifactRoot(w, r)
	if !ok {
		return
	}
	content, err := progress.Read(root)
	if err != nil {
		s.internalError(w, "read progress log", err)
		return
	}
	if content == "" {
		writeError(w, http.StatusNotFound, codeNotFound, "No progress log for this session", nil)
		return
	}
	writeJSON(w, http.StatusOK, ArtifactResponse{SessionID: sessionID, Content: content})
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	root, sessionID, ok := s.artifactRoot(w, r)
	if !ok {
		return
	}
	content, err := os.ReadFile(filepath.Join(root, workspace.AnalysisDir, working.FileName))
	if err == nil {
		writeJSON(w, http.StatusOK, ArtifactResponse{SessionID: sessionID, Content: string(content), Source: "local"})
		return
	}
	if !errors.Is(err, os.ErrNotExist) {
		s.internalError(w, "read memory document", err)
		return
	}
	if s.store != nil {
		doc, err := s.store.LatestMemoryDocument(r.Context(), sessionID)
		if err == nil {
			writeJSON(w, http.StatusOK, ArtifactResponse{
				SessionID:   sessionID,
				Content:     doc.Content,
				DocumentID:  doc.ID,
				Source:      "index",
				GeneratedAt: doc.CreatedAt,
			})
			return
		}
		if !errors.Is(err, db.ErrNotFound) {
			s.internalError(w, "read memory document", err)
			return
		}
	}
	writeError(w, http.StatusNotFound, codeNotFound, "No memory document for this session", nil)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	root, sessionID, ok := s.artifactRoot(w, r)
	if !ok {
		return
	}
	path := filepath.Join(root, workspace.ReportFile)
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, codeNotComplete,
			"No report available. Investigation may have failed or not yet started.", nil)
		return
	}
	if err != nil {
		s.internalError(w, "read report", err)
		return
	}

	resp := ArtifactResponse{
		SessionID: sessionID,
		Content:   string(content),
		Status:    string(investigation.StatusCompleted),
	}
	if s.lastStatus(r.Context(), sessionID) == investigation.StatusNoFindings {
		resp.Status = string(investigation.StatusNoFindings)
	}
	if fi, err := os.Stat(path); err == nil {
		resp.GeneratedAt = fi.ModTime().UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// sessionRoot resolves an existing session directory or writes the error.
func (s *Server) sessionRoot(w http.ResponseWriter, sessionID string) (string, bool) {
	root, err := s.sessions.Existing(sessionID)
	switch {
	case errors.Is(err, workspace.ErrInvalidSessionID):
		writeError(w, http.StatusBadRequest, codeInvalidSession, err.Error(), nil)
		return "", false
	case err != nil:
		writeError(w, http.StatusNotFound, codeSessionNotFound, "Session not found",
			map[string]interface{}{"session_id": sessionID})
		return "", false
	}
	return root, true
}

// artifactRoot is sessionRoot plus the 202 answer while a run is active.
func (s *Server) artifactRoot(w http.ResponseWriter, r *http.Request) (root, sessionID string, ok bool) {
	sessionID = mux.Vars(r)["id"]
	root, ok = s.sessionRoot(w, sessionID)
	if !ok {
		return "", "", false
	}
	if s.runs.running(sessionID) {
		writeError(w, http.StatusAccepted, codeNotComplete, "Investigation in progress", nil)
		return "", "", false
	}
	return root, sessionID, true
}

// lastStatus is the status of the session's latest finished run.
func (s *Server) lastStatus(ctx context.Context, sessionID string) investigation.RunStatus {
	if info, ok := s.runs.get(sessionID); ok {
		return info.Status
	}
	if s.store != nil {
		if rec, err := s.store.GetInvestigation(ctx, sessionID); err == nil {
			return investigation.RunStatus(rec.Status)
		}
	}
	return ""
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("Request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternal, "An unexpected error occurred", nil)
}

func validationErrors(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fe.Namespace()+": failed '"+fe.Tag()+"'")
	}
	return out
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	writeJSON(w, status, errorResponse{Error: errorDetail{Code: code, Message: message, Details: details}})
}
