// Package sessionlog writes the per-hypothesis investigation transcript: a
// structured JSON record plus a narrative markdown file, both under
// <session>/analysis/logs and named session_<hypothesis>_<timestamp>.
package sessionlog

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

const fileTimeLayout = "20060102T150405"

// Dir returns the logs directory of a session root.
func Dir(sessionRoot string) string {
	return filepath.Join(sessionRoot, "analysis", "logs")
}

// Log is one structured + narrative log pair.
type Log struct {
	JSONPath string
	MDPath   string
	now      func() time.Time
}

// Step is one narrative entry.
type Step struct {
	Number         int
	Action         string
	WhatIDid       string
	WhatIFound     string
	Interpretation string
	Decision       string
	Reasoning      string
}

// Create starts a new log pair for a hypothesis. Names never collide: if a
// pair with the same second-resolution timestamp exists a numeric suffix is
// added.
func Create(sessionRoot, hypothesisID string) (*Log, error) {
	return create(sessionRoot, hypothesisID, time.Now)
}

func create(sessionRoot, hypothesisID string, now func() time.Time) (*Log, error) {
	dir := Dir(sessionRoot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}

	started := now().UTC()
	base := fmt.Sprintf("session_%s_%s", FileID(hypothesisID), started.Format(fileTimeLayout))

	var jf *os.File
	name := base
	for i := 1; ; i++ {
		f, err := os.OpenFile(filepath.Join(dir, name+".json"), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			jf = f
			break
		}
		if !errors.Is(err, os.ErrExist) || i > 99 {
			return nil, fmt.Errorf("create session log: %w", err)
		}
		name = fmt.Sprintf("%s_%02d", base, i)
	}

	l := &Log{
		JSONPath: filepath.Join(dir, name+".json"),
		MDPath:   filepath.Join(dir, name+".md"),
		now:      now,
	}

	initial := investigation.SessionLog{
		HypothesisID:     hypothesisID,
		StartTime:        investigation.Timestamp(started),
		Outcome:          investigation.OutcomeRuledOut,
		KeyFindings:      []string{},
		ScriptsCreated:   []string{},
		ArtifactsCreated: []string{},
	}
	data, err := json.MarshalIndent(initial, "", "  ")
	if err != nil {
		jf.Close()
		return nil, err
	}
	if _, err := jf.Write(data); err != nil {
		jf.Close()
		return nil, fmt.Errorf("write session log: %w", err)
	}
	if err := jf.Close(); err != nil {
		return nil, fmt.Errorf("write session log: %w", err)
	}

	header := fmt.Sprintf("# Session Log: %s\n\n**Started**: %s\n\n---\n\n",
		hypothesisID, investigation.Timestamp(started))
	if err := os.WriteFile(l.MDPath, []byte(header), 0o644); err != nil {
		return nil, fmt.Errorf("write session log: %w", err)
	}
	return l, nil
}

// Read returns the structured record.
func (l *Log) Read() (investigation.SessionLog, error) {
	return readJSON(l.JSONPath)
}

// Update applies fn to the structured record and rewrites it.
func (l *Log) Update(fn func(*investigation.SessionLog)) (investigation.SessionLog, error) {
	rec, err := readJSON(l.JSONPath)
	if err != nil {
		return rec, err
	}
	fn(&rec)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return rec, err
	}
	if err := os.WriteFile(l.JSONPath, data, 0o644); err != nil {
		return rec, fmt.Errorf("write session log: %w", err)
	}
	return rec, nil
}

// Result is the final metrics recorded once per investigation.
type Result struct {
	Outcome          investigation.Outcome
	Turns            int
	TotalTokens      int
	CostUSD          float64
	KeyFindings      []string
	ScriptsCreated   []string
	ArtifactsCreated []string
}

// Finish records the final metrics and stamps the end time.
func (l *Log) Finish(r Result) (investigation.SessionLog, error) {
	return l.Update(func(rec *investigation.SessionLog) {
		rec.Outcome = r.Outcome
		rec.EndTime = investigation.Timestamp(l.now())
		rec.Turns = r.Turns
		rec.TotalTokens = r.TotalTokens
		rec.CostUSD = r.CostUSD
		if r.KeyFindings != nil {
			rec.KeyFindings = r.KeyFindings
		}
		if r.ScriptsCreated != nil {
			rec.ScriptsCreated = r.ScriptsCreated
		}
		if r.ArtifactsCreated != nil {
			rec.ArtifactsCreated = r.ArtifactsCreated
		}
	})
}

// AppendStep adds one narrative entry.
func (l *Log) AppendStep(s Step) error {
	entry := fmt.Sprintf(`## [%s] Step %d: %s

**What I did**: %s

**What I found**: %s

**My interpretation**: %s

**Decision**: %s

**Reasoning**: %s

---

`, l.now().UTC().Format("2006-01-02 15:04:05"), s.Number, s.Action,
		s.WhatIDid, s.WhatIFound, s.Interpretation, s.Decision, s.Reasoning)
	return appendFile(l.MDPath, entry)
}

// Conclude appends the verdict section to the narrative log.
func (l *Log) Conclude(outcome investigation.Outcome, evidence string, confidence investigation.Confidence, keyMetrics []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "## [%s] Conclusion\n\n", l.now().UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "**OUTCOME**: %s\n\n", outcome)
	fmt.Fprintf(&b, "**EVIDENCE**: %s\n\n", evidence)
	fmt.Fprintf(&b, "**CONFIDENCE**: %s\n\n", confidence)
	b.WriteString("**KEY METRICS**:\n")
	for _, m := range keyMetrics {
		fmt.Fprintf(&b, "- %s\n", m)
	}
	b.WriteString("\n---\n*Session completed*\n")
	return appendFile(l.MDPath, b.String())
}

// Ref returns the JSON path relative to the session root, or the bare file
// name when it lies outside it.
func (l *Log) Ref(sessionRoot string) string {
	rel, err := filepath.Rel(sessionRoot, l.JSONPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(l.JSONPath)
	}
	return filepath.ToSlash(rel)
}

// FileID maps a hypothesis id onto the characters allowed in log file
// names. Anything outside [A-Za-z0-9_-] becomes an underscore, so the
// result never contains a path separator or a glob metacharacter.
func FileID(hypothesisID string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, hypothesisID)
	if id == "" {
		return "hypothesis"
	}
	return id
}

// isLogName reports whether rest, a file name with the hypothesis prefix
// removed, is a timestamp with an optional collision suffix.
func isLogName(rest string) bool {
	n := len(fileTimeLayout)
	if len(rest) < n {
		return false
	}
	if _, err := time.Parse(fileTimeLayout, rest[:n]); err != nil {
		return false
	}
	switch tail := rest[n:]; {
	case tail == ".json":
		return true
	case len(tail) == len("_00.json") && tail[0] == '_' && strings.HasSuffix(tail, ".json"):
		return tail[1] >= '0' && tail[1] <= '9' && tail[2] >= '0' && tail[2] <= '9'
	}
	return false
}

// Latest returns the most recent structured log for a hypothesis. ok is false
// when none exists.
func Latest(sessionRoot, hypothesisID string) (rec investigation.SessionLog, ok bool, err error) {
	prefix := "session_" + FileID(hypothesisID) + "_"
	matches, err := filepath.Glob(filepath.Join(Dir(sessionRoot), prefix+"*.json"))
	if err != nil {
		return rec, false, err
	}
	// H1 must not pick up the logs of H10 or H1-2.
	filtered := matches[:0]
	for _, m := range matches {
		if isLogName(strings.TrimPrefix(filepath.Base(m), prefix)) {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) == 0 {
		return rec, false, nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(filtered)))

	rec, err = readJSON(filtered[0])
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func readJSON(path string) (investigation.SessionLog, error) {
	var rec investigation.SessionLog
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, fmt.Errorf("read session log: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode session log %s: %w", path, err)
	}
	return rec, nil
}

func appendFile(path, text string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("append session log: %w", err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return fmt.Errorf("append session log: %w", err)
	}
	return f.Close()
}
