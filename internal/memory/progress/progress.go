// Package progress keeps the human-readable milestone timeline of a run in
// <session>/analysis/progress.txt. Lines are "[YYYY-MM-DD HH:MM:SS] message".
package progress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileName is the progress log name under the analysis directory.
const FileName = "progress.txt"

// Path returns the progress log location for a session root.
func Path(sessionRoot string) string {
	return filepath.Join(sessionRoot, "analysis", FileName)
}

// Log appends milestones for one session.
type Log struct {
	root   string
	logger *zap.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// New returns the progress log of a session root.
func New(sessionRoot string, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{root: sessionRoot, logger: logger, now: time.Now}
}

// Write appends one timestamped line.
func (l *Log) Write(message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := Path(l.root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create analysis dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open progress log: %w", err)
	}
	line := fmt.Sprintf("[%s] %s\n", l.now().UTC().Format("2006-01-02 15:04:05"), message)
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("write progress log: %w", err)
	}
	l.logger.Debug("Progress", zap.String("session_root", l.root), zap.String("message", message))
	return f.Close()
}

// Read returns the whole log, or "" when none has been written.
func (l *Log) Read() (string, error) {
	return Read(l.root)
}

// Read returns the progress log of a session root, or "" when absent.
func Read(sessionRoot string) (string, error) {
	data, err := os.ReadFile(Path(sessionRoot))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read progress log: %w", err)
	}
	return string(data), nil
}

// ─── Milestones ──────────────────────────────────────────────────────────────

func (l *Log) InvestigationStarted() error {
	return l.Write("Investigation started")
}

func (l *Log) SchemaInferred(tables, dimensions int) error {
	return l.Write(fmt.Sprintf("Schema inference complete - %d tables, %d dimensions identified", tables, dimensions))
}

func (l *Log) MetricValidated(metric, sourceFile string) error {
	return l.Write(fmt.Sprintf("Target metric '%s' found in %s", metric, sourceFile))
}

func (l *Log) MetricNotFound(metric string) error {
	return l.Write(fmt.Sprintf("ERROR: Target metric '%s' not found in any file", metric))
}

func (l *Log) HypothesesGenerated(count int) error {
	return l.Write(fmt.Sprintf("Generated %d hypotheses for investigation", count))
}

func (l *Log) HypothesisStarted(id, title string) error {
	return l.Write(fmt.Sprintf("Investigating: [%s] %s", id, title))
}

func (l *Log) HypothesisCompleted(id, title, outcome string) error {
	return l.Write(fmt.Sprintf("Completed: [%s] %s -> %s", id, title, outcome))
}

func (l *Log) InvestigationCompleted(confirmed, total int) error {
	return l.Write(fmt.Sprintf("Investigation complete - %d/%d hypotheses confirmed", confirmed, total))
}

func (l *Log) MemoryStored(documentID string) error {
	return l.Write(fmt.Sprintf("Memory document stored (%s)", documentID))
}

func (l *Log) ReportGenerated() error {
	return l.Write("Report generated successfully")
}

// Error records a degraded failure. Every failure the engine recovers from
// passes through here.
func (l *Log) Error(message string) error {
	return l.Write("ERROR: " + message)
}
