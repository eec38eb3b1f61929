package report

import (
	"bytes"
	"fmt"
	"os"
	"text/template"
	"time"

	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

// GeneratedLayout is how report timestamps are printed.
const GeneratedLayout = "2006-01-02 15:04 UTC"

// NoFindingsPhrase appears in every no-findings report.
const NoFindingsPhrase = "did not identify any confirmed explanations"

// Context is everything the full report template reads.
type Context struct {
	State            *investigation.State
	Explanations     []investigation.Explanation
	Confirmed        []investigation.Finding
	ExecutiveSummary string
	GeneratedAt      time.Time
	TotalTime        time.Duration
}

type view struct {
	Metric           string
	Baseline         investigation.DateRange
	Comparison       investigation.DateRange
	Generated        string
	ExecutiveSummary string
	Files            string
	Dimensions       string
	Explanations     []investigation.Explanation
	Hypotheses       string
	Findings         string
	Recommendations  string
	TotalTime        string
	HypothesisCount  int
	ConfirmedCount   int
}

const reportTemplate = `# {{.Metric}} Investigation Report

**Investigation Period**: {{.Baseline}} vs {{.Comparison}}
**Generated**: {{.Generated}}

---

## Executive Summary

{{.ExecutiveSummary}}

---

## Data Analyzed

### Files
{{.Files}}

### Dimensions Explored
{{.Dimensions}}

---

## Likely Explanations

{{range .Explanations}}### {{.Rank}}. {{.Title}}

**Likelihood**: {{.Likelihood}}

{{.Reasoning}}

{{if .CausalStory}}**Causal Story**: {{.CausalStory}}

{{end}}{{else}}*No confirmed explanations found.*
{{end}}
---

## Hypotheses Tested

{{.Hypotheses}}

---

## Detailed Findings

{{.Findings}}

---

## Recommendations

{{.Recommendations}}

---

## Methodology

**Total Time**: {{.TotalTime}}
**Hypotheses Tested**: {{.HypothesisCount}}
**Confirmed Explanations**: {{.ConfirmedCount}}

---

*Generated by Metric Explorer*
`

const noFindingsTemplate = `# {{.Metric}} Investigation Report

**Investigation Period**: {{.Baseline}} vs {{.Comparison}}
**Generated**: {{.Generated}}

---

## Summary

The investigation ` + NoFindingsPhrase + ` for the observed change in {{.Metric}}.

All tested hypotheses were ruled out based on the available data.

---

## Data Analyzed

### Files
{{.Files}}

---

## Hypotheses Tested

{{.Hypotheses}}

---

## Possible Next Steps

1. **Expand the data scope**: Additional data sources may provide more insight
2. **Refine the hypothesis set**: Consider alternative explanations not initially tested
3. **Check data quality**: Verify that the metric calculation is consistent across periods
4. **Consult domain experts**: Business context may reveal patterns not visible in the data

---

## Methodology

**Total Time**: {{.TotalTime}}
**Hypotheses Tested**: {{.HypothesisCount}}
**Confirmed Explanations**: 0

---

*Generated by Metric Explorer*
`

var templates = template.Must(template.New("report").Parse(
	`{{define "full"}}` + reportTemplate + `{{end}}` +
		`{{define "no_findings"}}` + noFindingsTemplate + `{{end}}`,
))

// Render builds the full report.
func Render(c Context) (string, error) {
	s := c.State
	if s == nil {
		s = &investigation.State{}
	}
	v := baseView(s, c.GeneratedAt, c.TotalTime)
	v.ExecutiveSummary = c.ExecutiveSummary
	if v.ExecutiveSummary == "" {
		v.ExecutiveSummary = FallbackSummary(s.TargetMetric, c.Explanations)
	}
	v.Dimensions = DimensionSummary(s)
	v.Explanations = c.Explanations
	v.Findings = FindingsSummary(c.Confirmed)
	v.Recommendations = Recommendations(c.Explanations)
	v.ConfirmedCount = s.CountStatus(investigation.HypothesisConfirmed)
	return execute("full", v)
}

// RenderNoFindings builds the report for a run with nothing confirmed.
func RenderNoFindings(s *investigation.State, generatedAt time.Time, totalTime time.Duration) (string, error) {
	if s == nil {
		s = &investigation.State{}
	}
	return execute("no_findings", baseView(s, generatedAt, totalTime))
}

// RenderError is the minimal report written when rendering fails.
func RenderError(err error) string {
	return fmt.Sprintf(`# Investigation Report

**Error**: Report generation failed

An error occurred while generating the investigation report: %v

Please check the session logs for more details.

---
*Generated by Metric Explorer*
`, err)
}

// Write stores a rendered report at path.
func Write(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// FormatDuration prints elapsed time rounded to the second.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	return d.Round(time.Second).String()
}

func baseView(s *investigation.State, generatedAt time.Time, totalTime time.Duration) view {
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}
	return view{
		Metric:          orDefault(s.TargetMetric, "Metric"),
		Baseline:        s.BaselinePeriod,
		Comparison:      s.ComparisonPeriod,
		Generated:       generatedAt.UTC().Format(GeneratedLayout),
		Files:           FileSummary(s.Files),
		Hypotheses:      HypothesesSummary(s.Hypotheses),
		TotalTime:       FormatDuration(totalTime),
		HypothesisCount: len(s.Hypotheses),
	}
}

func execute(name string, v view) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, v); err != nil {
		return "", fmt.Errorf("render %s report: %w", name, err)
	}
	return buf.String(), nil
}
