// Package ledger persists the findings ledger of a session:
// <session>/analysis/findings_ledger.json.
//
// The ledger is append-only. Every append reads the file, adds the finding,
// recomputes the summary and rewrites the file through a temp file + rename.
// Appends are serialized by the Store, so hypotheses may be investigated
// concurrently without lost updates.
package ledger

import (
	"path/filepath"

	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

// FileName is the ledger file name under the analysis directory.
const FileName = "findings_ledger.json"

// Summary is the running tally kept next to the findings.
// TotalHypotheses == Confirmed + RuledOut + Pending always holds.
type Summary struct {
	TotalHypotheses int `json:"total_hypotheses"`
	Confirmed       int `json:"confirmed"`
	RuledOut        int `json:"ruled_out"`
	Pending         int `json:"pending"`
}

// Ledger is the on-disk document.
type Ledger struct {
	SessionID string                  `json:"session_id"`
	CreatedAt string                  `json:"created_at"`
	UpdatedAt string                  `json:"updated_at"`
	Findings  []investigation.Finding `json:"findings"`
	Summary   Summary                 `json:"summary"`
}

// Store reads and writes ledgers by session root directory.
type Store interface {
	// Initialize creates an empty ledger if none exists. It never erases
	// existing findings.
	Initialize(sessionRoot string) error

	// Append adds a finding and returns the recomputed summary.
	Append(sessionRoot string, finding investigation.Finding) (Summary, error)

	// Read returns the whole ledger, creating an empty one if missing.
	Read(sessionRoot string) (*Ledger, error)

	// ReadAll returns every finding in append order.
	ReadAll(sessionRoot string) ([]investigation.Finding, error)

	// ReadConfirmed returns CONFIRMED findings in append order.
	ReadConfirmed(sessionRoot string) ([]investigation.Finding, error)
}

// Path returns the ledger location for a session root.
func Path(sessionRoot string) string {
	return filepath.Join(sessionRoot, "analysis", FileName)
}

// Summarize recomputes the tally from a finding list.
func Summarize(findings []investigation.Finding) Summary {
	s := Summary{TotalHypotheses: len(findings)}
	for _, f := range findings {
		switch f.Outcome {
		case investigation.OutcomeConfirmed:
			s.Confirmed++
		case investigation.OutcomeRuledOut:
			s.RuledOut++
		}
	}
	s.Pending = s.TotalHypotheses - s.Confirmed - s.RuledOut
	return s
}
