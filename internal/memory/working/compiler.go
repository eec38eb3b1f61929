// Package working compiles the whole investigation into one markdown memory
// document for later retrieval and Q&A.
//
// Compile is a pure reducer. It never fails: any empty section renders a
// placeholder instead.
package working

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

// FileName is the local copy of the document under the analysis directory.
const FileName = "memory_document.md"

// Input is everything the compiler reads.
type Input struct {
	State    *investigation.State
	Findings []investigation.Finding
	Progress string
	// GeneratedAt defaults to time.Now.
	GeneratedAt time.Time
}

// Compile renders the memory document.
func Compile(in Input) string {
	s := in.State
	if s == nil {
		s = &investigation.State{}
	}
	at := in.GeneratedAt
	if at.IsZero() {
		at = time.Now()
	}

	var b docBuilder
	b.line("# Investigation Memory Document")
	b.line("Session ID: " + orDefault(s.SessionID, "Unknown"))
	b.line("Generated: " + investigation.Timestamp(at))
	b.blank()

	writeContext(&b, s)
	writeDataModel(&b, s.DataModel)
	writeHypotheses(&b, s.Hypotheses)
	writeFindings(&b, in.Findings)
	writeExplanations(&b, s.Explanations)
	writeProgress(&b, in.Progress)

	b.line("---")
	b.line("*This document is generated for RAG-based Q&A retrieval*")
	return b.String()
}

// Summary is the one-line description stored with the document.
func Summary(s *investigation.State) string {
	metric := orDefault(s.TargetMetric, "Unknown metric")
	var confirmed []investigation.Hypothesis
	for _, h := range s.Hypotheses {
		if h.Status == investigation.HypothesisConfirmed {
			confirmed = append(confirmed, h)
		}
	}
	if len(confirmed) == 0 {
		return fmt.Sprintf("Investigation of %s: 0 of %d hypotheses confirmed. No clear explanation found.",
			metric, len(s.Hypotheses))
	}
	return fmt.Sprintf("Investigation of %s: %d of %d hypotheses confirmed. Top finding: %s",
		metric, len(confirmed), len(s.Hypotheses), orDefault(confirmed[0].Title, "Unknown"))
}

func writeContext(b *docBuilder, s *investigation.State) {
	b.line("## Investigation Context")
	b.blank()
	b.line("**Target Metric**: " + orDefault(s.TargetMetric, "Unknown"))
	b.line("**Metric Definition**: " + orDefault(s.MetricDefinition, "Not provided"))
	b.blank()
	b.line("**Baseline Period**: " + s.BaselinePeriod.String())
	b.line("**Comparison Period**: " + s.ComparisonPeriod.String())
	b.blank()
	if s.BusinessContext != "" {
		b.line("**Business Context**:")
		b.line(s.BusinessContext)
		b.blank()
	}
	if s.InvestigationPrompt != "" {
		b.line("**Investigation Focus**:")
		b.line(s.InvestigationPrompt)
		b.blank()
	}
}

func writeDataModel(b *docBuilder, m *investigation.DataModel) {
	b.line("## Data Model")
	b.blank()
	if m == nil || (len(m.Tables) == 0 && len(m.Relationships) == 0 && len(m.RecommendedDimensions) == 0) {
		b.line("*No data model available*")
		b.blank()
		return
	}

	b.line("### Tables Analyzed")
	for _, t := range m.Tables {
		b.line(fmt.Sprintf("- **%s**: %s rows", orDefault(t.Name, "Unknown"), humanize.Comma(int64(t.RowCount))))
		if len(t.Columns) == 0 {
			continue
		}
		shown := t.Columns
		if len(shown) > 5 {
			shown = shown[:5]
		}
		parts := make([]string, len(shown))
		for i, c := range shown {
			parts[i] = fmt.Sprintf("%s (%s)", c.Name, orDefault(string(c.InferredType), "unknown"))
		}
		summary := strings.Join(parts, ", ")
		if extra := len(t.Columns) - len(shown); extra > 0 {
			summary += fmt.Sprintf(" (+%d more)", extra)
		}
		b.line("  Columns: " + summary)
	}
	b.blank()

	if len(m.Relationships) > 0 {
		b.line("### Relationships")
		for _, r := range m.Relationships {
			b.line(fmt.Sprintf("- %s.%s -> %s.%s (%s)",
				r.FromTable, r.FromColumn, r.ToTable, r.ToColumn,
				orDefault(string(r.RelationshipType), "unknown")))
		}
		b.blank()
	}
	if len(m.RecommendedDimensions) > 0 {
		b.line("### Key Dimensions")
		b.line(strings.Join(m.RecommendedDimensions, ", "))
		b.blank()
	}
}

func writeHypotheses(b *docBuilder, hs []investigation.Hypothesis) {
	b.line("## Hypotheses Investigated")
	b.blank()
	if len(hs) == 0 {
		b.line("*No hypotheses generated*")
		b.blank()
		return
	}
	for _, h := range hs {
		mark := "✗"
		if h.Status == investigation.HypothesisConfirmed {
			mark = "✓"
		}
		b.line(fmt.Sprintf("### [%s] %s: %s", mark, orDefault(h.ID, "H?"), orDefault(h.Title, "Unknown")))
		b.line("**Status**: " + orDefault(string(h.Status), "UNKNOWN"))
		b.line("**Causal Story**: " + orDefault(h.CausalStory, "N/A"))
		b.line("**Expected Pattern**: " + orDefault(h.ExpectedPattern, "N/A"))
		b.line("**Dimensions**: " + strings.Join(h.Dimensions, ", "))
		b.blank()
	}
}

func writeFindings(b *docBuilder, fs []investigation.Finding) {
	b.line("## Key Findings")
	b.blank()
	if len(fs) == 0 {
		b.line("*No findings available*")
		b.blank()
		return
	}
	for _, f := range fs {
		b.line("### Finding " + orDefault(f.FindingID, "?"))
		b.line("**Hypothesis**: " + orDefault(f.HypothesisID, "Unknown"))
		b.line("**Outcome**: " + orDefault(string(f.Outcome), "Unknown"))
		b.line("**Confidence**: " + orDefault(string(f.Confidence), "Unknown"))
		b.line("**Evidence**: " + orDefault(f.Evidence, "N/A"))
		if len(f.KeyMetrics) > 0 {
			b.line("**Key Metrics**:")
			for _, m := range f.KeyMetrics {
				b.line("- " + m)
			}
		}
		b.blank()
	}
}

func writeExplanations(b *docBuilder, es []investigation.Explanation) {
	if len(es) == 0 {
		return
	}
	b.line("## Explanations (Ranked)")
	b.blank()
	for _, e := range es {
		b.line(fmt.Sprintf("### %d. %s", e.Rank, orDefault(e.Title, "Unknown")))
		b.line("**Likelihood**: " + orDefault(string(e.Likelihood), "Unknown"))
		b.line("**Causal Story**: " + orDefault(e.CausalStory, "N/A"))
		b.line("**Reasoning**: " + orDefault(e.Reasoning, "N/A"))
		if len(e.Evidence) > 0 {
			b.line("**Evidence**:")
			for _, ev := range e.Evidence {
				b.line(fmt.Sprintf("- %s: %s (%s)", orDefault(ev.Metric, "Unknown"), orDefault(ev.Value, "N/A"), ev.Interpretation))
			}
		}
		b.blank()
	}
}

func writeProgress(b *docBuilder, progress string) {
	b.line("## Investigation Progress")
	b.blank()
	if strings.TrimSpace(progress) == "" {
		b.line("*No progress log available*")
	} else {
		b.line("```")
		b.line(strings.TrimRight(progress, "\n"))
		b.line("```")
	}
	b.blank()
}

type docBuilder struct {
	lines []string
}

func (b *docBuilder) line(s string) { b.lines = append(b.lines, s) }
func (b *docBuilder) blank()        { b.lines = append(b.lines, "") }
func (b *docBuilder) String() string {
	return strings.Join(b.lines, "\n")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
