// Package workspace owns the on-disk layout of an investigation session.
//
// Layout under <storage_path>/<session_id>:
//
//	files/<file_id>.csv             uploaded originals
//	files/<file_id>_meta.json       {original_name, description, schema}
//	context.json                    investigation inputs
//	analysis/files/                 working copies staged for the agent
//	analysis/scripts/               scripts written by the agent
//	analysis/logs/                  session logs (see memory/sessionlog)
//	analysis/findings_ledger.json
//	analysis/progress.txt
//	analysis/memory_document.md
//	report.md
//	error.json                      written when a run crashes
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

const (
	FilesDir        = "files"
	AnalysisDir     = "analysis"
	ContextFile     = "context.json"
	ReportFile      = "report.md"
	ErrorFile       = "error.json"
	metaSuffix      = "_meta.json"
	csvExt          = ".csv"
	filePermissions = 0o644
	dirPermissions  = 0o755
)

// AnalysisFilesDir is where input files are staged for the agent.
var AnalysisFilesDir = filepath.Join(AnalysisDir, "files")

// ScriptsDir is where the agent writes analysis scripts.
var ScriptsDir = filepath.Join(AnalysisDir, "scripts")

var (
	// ErrInvalidSessionID is returned for ids that could escape the storage root.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrSessionNotFound is returned when a session root does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoFiles is returned when a session has no uploaded files.
	ErrNoFiles = errors.New("no files found in session")
)

// ─── Resolver ────────────────────────────────────────────────────────────────

// Resolver maps session ids to their root directory.
type Resolver struct {
	base string
}

// NewResolver returns a resolver rooted at storagePath.
func NewResolver(storagePath string) *Resolver {
	return &Resolver{base: storagePath}
}

// Base returns the storage root.
func (r *Resolver) Base() string { return r.base }

// Root returns the directory of a session. It does not check existence.
func (r *Resolver) Root(sessionID string) (string, error) {
	if sessionID == "" || sessionID == "." || sessionID == ".." ||
		strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	return filepath.Join(r.base, sessionID), nil
}

// Existing is Root plus a check that the directory exists.
func (r *Resolver) Existing(sessionID string) (string, error) {
	root, err := r.Root(sessionID)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return root, nil
}

// ─── Session inputs ──────────────────────────────────────────────────────────

// Context is the content of context.json.
type Context struct {
	TargetMetric        string                  `json:"target_metric"`
	MetricDefinition    string                  `json:"metric_definition"`
	BusinessContext     string                  `json:"business_context"`
	BaselinePeriod      investigation.DateRange `json:"baseline_period"`
	ComparisonPeriod    investigation.DateRange `json:"comparison_period"`
	InvestigationPrompt string                  `json:"investigation_prompt,omitempty"`
	SubmittedAt         string                  `json:"submitted_at"`
}

// FileMeta is the sidecar written next to each uploaded file.
type FileMeta struct {
	OriginalName string                    `json:"original_name"`
	Description  string                    `json:"description"`
	Schema       *investigation.FileSchema `json:"schema,omitempty"`
}

// SaveContext writes context.json, stamping SubmittedAt if empty.
func SaveContext(root string, c Context) error {
	if c.SubmittedAt == "" {
		c.SubmittedAt = investigation.Now()
	}
	return writeJSON(filepath.Join(root, ContextFile), c)
}

// LoadContext reads context.json.
func LoadContext(root string) (Context, error) {
	var c Context
	b, err := os.ReadFile(filepath.Join(root, ContextFile))
	if err != nil {
		return c, fmt.Errorf("read context: %w", err)
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse context: %w", err)
	}
	return c, nil
}

// SaveFileMeta writes the sidecar for fileID.
func SaveFileMeta(root, fileID string, meta FileMeta) error {
	return writeJSON(filepath.Join(root, FilesDir, fileID+metaSuffix), meta)
}

// ListFiles returns every uploaded file that has both a CSV and a sidecar,
// sorted by file id.
func ListFiles(root string) ([]investigation.FileInfo, error) {
	dir := filepath.Join(root, FilesDir)
	metas, err := filepath.Glob(filepath.Join(dir, "*"+metaSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(metas)

	var files []investigation.FileInfo
	for _, metaPath := range metas {
		fileID := strings.TrimSuffix(filepath.Base(metaPath), metaSuffix)
		csvPath := filepath.Join(dir, fileID+csvExt)
		if _, err := os.Stat(csvPath); err != nil {
			continue
		}
		b, err := os.ReadFile(metaPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(metaPath), err)
		}
		var meta FileMeta
		if err := json.Unmarshal(b, &meta); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(metaPath), err)
		}
		name := meta.OriginalName
		if name == "" {
			name = filepath.Base(csvPath)
		}
		files = append(files, investigation.FileInfo{
			FileID:      fileID,
			Name:        name,
			Path:        csvPath,
			Description: meta.Description,
			Schema:      meta.Schema,
		})
	}
	return files, nil
}

// LoadState builds the initial state of a run from a session directory.
func LoadState(root, sessionID string) (*investigation.State, error) {
	files, err := ListFiles(root)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	c, err := LoadContext(root)
	if err != nil {
		return nil, err
	}

	st := investigation.NewState(sessionID, c.TargetMetric, files)
	st.MetricDefinition = c.MetricDefinition
	st.BusinessContext = c.BusinessContext
	st.BaselinePeriod = c.BaselinePeriod
	st.ComparisonPeriod = c.ComparisonPeriod
	st.InvestigationPrompt = c.InvestigationPrompt
	return st, nil
}

// ─── Errors ──────────────────────────────────────────────────────────────────

// RunError is the content of error.json.
type RunError struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// WriteError records a crashed run.
func WriteError(root string, runErr error) error {
	return writeJSON(filepath.Join(root, ErrorFile), RunError{
		Error:     runErr.Error(),
		Timestamp: investigation.Timestamp(time.Now()),
	})
}

// ReadError returns error.json if present.
func ReadError(root string) (*RunError, error) {
	b, err := os.ReadFile(filepath.Join(root, ErrorFile))
	if err != nil {
		return nil, err
	}
	var e RunError
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, filePermissions)
}
