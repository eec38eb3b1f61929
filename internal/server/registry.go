package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

// ErrRunInProgress is returned when a session already has an active run.
var ErrRunInProgress = errors.New("an investigation is already running for this session")

// runInfo is a snapshot of one run known to this process.
type runInfo struct {
	SessionID  string
	RunID      string
	Status     investigation.RunStatus
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

type runEntry struct {
	info   runInfo
	cancel context.CancelFunc
	// prev is the entry a reservation replaced, restored by release.
	prev *runEntry
}

// registry tracks the latest run of every session. At most one run per
// session is active at a time.
type registry struct {
	mu   sync.Mutex
	runs map[string]*runEntry
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*runEntry)}
}

// start reserves the session for a new run and returns its id.
func (r *registry) start(sessionID string, cancel context.CancelFunc, now time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.runs[sessionID]; ok && e.info.Status == investigation.StatusRunning {
		return "", ErrRunInProgress
	}
	runID := uuid.New().String()
	r.runs[sessionID] = &runEntry{
		info: runInfo{
			SessionID: sessionID,
			RunID:     runID,
			Status:    investigation.StatusRunning,
			StartedAt: now,
		},
		cancel: cancel,
		prev:   r.runs[sessionID],
	}
	return runID, nil
}

// release drops a reservation whose run never started and restores the
// session's previous run, if any.
func (r *registry) release(sessionID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[sessionID]
	if !ok || e.info.RunID != runID {
		return
	}
	if e.prev != nil {
		r.runs[sessionID] = e.prev
		return
	}
	delete(r.runs, sessionID)
}

// finish records the terminal status of a run. A finish for a run that is
// no longer the session's latest is ignored.
func (r *registry) finish(sessionID, runID string, status investigation.RunStatus, errMsg string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[sessionID]
	if !ok || e.info.RunID != runID {
		return
	}
	e.info.Status = status
	e.info.Error = errMsg
	e.info.FinishedAt = &now
	e.cancel = nil
	e.prev = nil
}

func (r *registry) get(sessionID string) (runInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[sessionID]
	if !ok {
		return runInfo{}, false
	}
	return e.info, true
}

func (r *registry) running(sessionID string) bool {
	info, ok := r.get(sessionID)
	return ok && info.Status == investigation.StatusRunning
}

// active counts running sessions.
func (r *registry) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.runs {
		if e.info.Status == investigation.StatusRunning {
			n++
		}
	}
	return n
}

// cancelAll cancels every active run.
func (r *registry) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.runs {
		if e.cancel != nil {
			e.cancel()
		}
	}
}
