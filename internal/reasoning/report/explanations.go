// Package report renders the investigation report written to report.md.
//
// There are three shapes:
//
//   - Render: the full report, used when at least one finding is CONFIRMED.
//   - RenderNoFindings: deterministic, no LLM input, used when nothing was
//     confirmed.
//   - RenderError: the minimal report written when building either of the
//     above fails.
//
// Explanations are ranked from confirmed findings in ledger order.
package report

import (
	"fmt"
	"strings"

	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

// BuildExplanations ranks confirmed findings in the order given. A finding
// whose hypothesis is no longer in the list still gets an explanation, titled
// by its hypothesis id, so ranks stay consecutive.
func BuildExplanations(confirmed []investigation.Finding, hypotheses []investigation.Hypothesis) []investigation.Explanation {
	byID := make(map[string]investigation.Hypothesis, len(hypotheses))
	for _, h := range hypotheses {
		byID[h.ID] = h
	}

	out := make([]investigation.Explanation, 0, len(confirmed))
	for _, f := range confirmed {
		if f.Outcome != investigation.OutcomeConfirmed {
			continue
		}
		rank := len(out) + 1
		title := f.HypothesisID
		var story string
		if h, ok := byID[f.HypothesisID]; ok {
			title = h.Title
			story = h.CausalStory
		}
		if title == "" {
			title = "Unknown"
		}

		evidence := make([]investigation.Evidence, 0, len(f.KeyMetrics))
		for _, m := range f.KeyMetrics {
			evidence = append(evidence, investigation.Evidence{Metric: m})
		}

		out = append(out, investigation.Explanation{
			Rank:             rank,
			Title:            title,
			Likelihood:       investigation.LikelihoodForRank(rank),
			Evidence:         evidence,
			Reasoning:        f.Evidence,
			CausalStory:      story,
			SourceHypotheses: []string{f.HypothesisID},
		})
	}
	return out
}

// FallbackSummary is the executive summary used when the LLM call fails.
func FallbackSummary(metric string, explanations []investigation.Explanation) string {
	if metric == "" {
		metric = "metric"
	}
	if len(explanations) == 0 {
		return fmt.Sprintf("Investigation of %s did not identify any confirmed explanations for the observed change.", metric)
	}
	return fmt.Sprintf("Investigation identified %d likely explanation(s) for the %s change. The primary finding is: %s.",
		len(explanations), metric, explanations[0].Title)
}

// Recommendations lists follow-ups for the top two explanations plus the
// standing monitoring advice.
func Recommendations(explanations []investigation.Explanation) string {
	if len(explanations) == 0 {
		return "- Review data collection to ensure metrics are being tracked correctly\n" +
			"- Consider gathering additional data to enable future investigations"
	}
	var lines []string
	for i, e := range explanations {
		if i == 2 {
			break
		}
		lines = append(lines, fmt.Sprintf("- Investigate **%s** further with stakeholders", e.Title))
	}
	lines = append(lines,
		"- Monitor the metric after implementing any changes",
		"- Set up alerts for significant future deviations",
	)
	return strings.Join(lines, "\n")
}

// HypothesesSummary renders one checklist line per hypothesis.
func HypothesesSummary(hypotheses []investigation.Hypothesis) string {
	if len(hypotheses) == 0 {
		return "No hypotheses tested"
	}
	lines := make([]string, 0, len(hypotheses))
	for _, h := range hypotheses {
		mark := "✗"
		if h.Status == investigation.HypothesisConfirmed {
			mark = "✓"
		}
		status := string(h.Status)
		if status == "" {
			status = "UNKNOWN"
		}
		lines = append(lines, fmt.Sprintf("- [%s] **%s**: %s - %s", mark, h.ID, orDefault(h.Title, "Unknown"), status))
	}
	return strings.Join(lines, "\n")
}

// FindingsSummary renders the confirmed findings with their key metrics.
func FindingsSummary(confirmed []investigation.Finding) string {
	if len(confirmed) == 0 {
		return "No confirmed findings"
	}
	var lines []string
	for _, f := range confirmed {
		lines = append(lines,
			"### "+orDefault(f.HypothesisID, "Unknown"),
			"**Evidence**: "+orDefault(f.Evidence, "N/A"),
			"**Confidence**: "+orDefault(string(f.Confidence), "Unknown"),
		)
		if len(f.KeyMetrics) > 0 {
			lines = append(lines, "**Key Metrics**:")
			for _, m := range f.KeyMetrics {
				lines = append(lines, "- "+m)
			}
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

// FileSummary lists the analyzed files with their descriptions.
func FileSummary(files []investigation.FileInfo) string {
	if len(files) == 0 {
		return "No files analyzed"
	}
	lines := make([]string, 0, len(files))
	for _, f := range files {
		lines = append(lines, fmt.Sprintf("- **%s**: %s", orDefault(f.Name, "Unknown"), orDefault(f.Description, "No description")))
	}
	return strings.Join(lines, "\n")
}

// DimensionSummary prefers the selected dimensions and falls back to the
// data model's recommendations.
func DimensionSummary(s *investigation.State) string {
	dims := s.SelectedDimensions
	if len(dims) == 0 && s.DataModel != nil {
		dims = s.DataModel.RecommendedDimensions
	}
	if len(dims) == 0 {
		return "No specific dimensions identified"
	}
	return strings.Join(dims, ", ")
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
