package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"docket/internal/analysis"
	"docket/internal/supervisor"
	"docket/internal/workflow"
)

// RenderJobsTable formats the tracked jobs as a table. The active job is
// marked and highlighted.
func RenderJobsTable(snaps []workflow.Snapshot, activeID string) string {
	s := DefaultStyles()
	var b strings.Builder

	b.WriteString(s.Header.Render(fmt.Sprintf("  %-14s %-18s %5s  %-7s %s",
		"JOB", "PHASE", "PROG", "MODE", "MATTER")))
	b.WriteByte('\n')

	for _, snap := range snaps {
		marker := " "
		if snap.Job.ID == activeID {
			marker = "*"
		}
		mode := string(snap.Job.AnalysisMode)
		if mode == "" {
			mode = "-"
		}
		line := fmt.Sprintf("%s %-14s %-18s %4d%%  %-7s %s",
			marker, snap.Job.ID, snap.Job.Phase, snap.Job.Progress, mode, snap.Job.Matter)
		if snap.Job.ID == activeID {
			line = s.Active.Render(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// RenderCounts formats the derived totals line shown under the jobs table.
func RenderCounts(c supervisor.Counts) string {
	s := DefaultStyles()
	return s.Muted.Render(fmt.Sprintf("%d in progress · %d completed · %d failed · %d cancelled",
		c.InProgress, c.Completed, c.Failed, c.Cancelled))
}

// RenderRunsTable formats the model runs of one deep analysis.
func RenderRunsTable(runs []*analysis.ModelRun) string {
	if len(runs) == 0 {
		return ""
	}
	s := DefaultStyles()
	var b strings.Builder

	b.WriteString(s.Header.Render(fmt.Sprintf("%-14s %-10s %5s  %8s %6s %6s %6s %8s",
		"BACKEND", "STATUS", "PROG", "FINDINGS", "RISKS", "CONF", "SCORE", "TIME")))
	b.WriteByte('\n')

	for _, r := range runs {
		findings, risks, conf, score := "-", "-", "-", "-"
		if r.Result != nil {
			findings = fmt.Sprintf("%d", r.Result.Findings)
			risks = fmt.Sprintf("%d", r.Result.RiskCount)
			conf = fmt.Sprintf("%.2f", r.Result.Confidence)
			score = fmt.Sprintf("%.1f", r.Result.HeadlineScore)
		}
		dur := "-"
		if d := r.Duration(); d > 0 {
			dur = d.Round(100 * time.Millisecond).String()
		}
		line := fmt.Sprintf("%-14s %-10s %4d%%  %8s %6s %6s %6s %8s",
			r.Backend.ID, r.Status, r.Progress, findings, risks, conf, score, dur)
		switch r.Status {
		case analysis.RunFailed:
			line = s.Err.Render(line)
			if r.Err != "" {
				line += s.Muted.Render("  " + r.Err)
			}
		case analysis.RunCompleted:
		default:
			line = s.Muted.Render(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// RenderComparison formats the winners and consensus of one deep analysis.
func RenderComparison(cmp *analysis.ComparisonResult) string {
	if cmp == nil {
		return ""
	}
	s := DefaultStyles()
	var b strings.Builder

	b.WriteString(s.Title.Render("comparison"))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "  completed %d, failed %d\n", cmp.Completed, cmp.Failed)
	if cmp.Fastest != nil {
		fmt.Fprintf(&b, "  fastest:            %s (%s)\n",
			cmp.Fastest.BackendID, cmp.Fastest.Duration.Round(100*time.Millisecond))
	}
	if cmp.MostComprehensive != nil {
		fmt.Fprintf(&b, "  most comprehensive: %s (%d findings)\n",
			cmp.MostComprehensive.BackendID, cmp.MostComprehensive.Findings)
	}
	if cmp.HighestConfidence != nil {
		fmt.Fprintf(&b, "  highest confidence: %s (%.2f)\n",
			cmp.HighestConfidence.BackendID, cmp.HighestConfidence.Confidence)
	}
	if cmp.Consensus != nil {
		fmt.Fprintf(&b, "  consensus:          %.1f / 100\n", *cmp.Consensus)
	}
	if cmp.Completed == 0 {
		b.WriteString(s.Err.Render("  no run completed; nothing to compare"))
		b.WriteByte('\n')
	}
	return b.String()
}

// RenderFields formats a confirmed or proposed field map, marking names
// listed in edited.
func RenderFields(fields map[string]string, edited []string) string {
	if len(fields) == 0 {
		return ""
	}
	editedSet := make(map[string]bool, len(edited))
	for _, name := range edited {
		editedSet[name] = true
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	s := DefaultStyles()
	var b strings.Builder
	for _, name := range names {
		marker := "  "
		line := fmt.Sprintf("%-24s %s", name, fields[name])
		if editedSet[name] {
			marker = s.Warn.Render("* ")
		}
		b.WriteString(marker)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
