// Package ui renders docket's terminal output: the jobs table, analysis
// run summaries, and the live watch dashboard.
package ui

import (
	"github.com/charmbracelet/lipgloss"

	"docket/internal/job"
)

// docket palette.
var (
	ColorAccent  = lipgloss.Color("#7C6FF0") // violet
	ColorOK      = lipgloss.Color("#4CAF50") // green
	ColorWarn    = lipgloss.Color("#FFC107") // amber
	ColorErr     = lipgloss.Color("#E53935") // red
	ColorMuted   = lipgloss.Color("#6B7280") // gray
	ColorHeading = lipgloss.Color("#E5E7EB") // near-white
)

// Styles bundles the lipgloss styles shared by the renderers.
type Styles struct {
	Title  lipgloss.Style
	Header lipgloss.Style
	Active lipgloss.Style
	Muted  lipgloss.Style
	OK     lipgloss.Style
	Warn   lipgloss.Style
	Err    lipgloss.Style
}

// DefaultStyles returns the standard docket styling.
func DefaultStyles() Styles {
	return Styles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(ColorHeading),
		Header: lipgloss.NewStyle().Bold(true).Foreground(ColorMuted),
		Active: lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
		Muted:  lipgloss.NewStyle().Foreground(ColorMuted),
		OK:     lipgloss.NewStyle().Foreground(ColorOK),
		Warn:   lipgloss.NewStyle().Foreground(ColorWarn),
		Err:    lipgloss.NewStyle().Foreground(ColorErr),
	}
}

// PhaseStyle picks the style for a job phase.
func (s Styles) PhaseStyle(p job.Phase) lipgloss.Style {
	switch p {
	case job.PhaseCompleted:
		return s.OK
	case job.PhaseFailed:
		return s.Err
	case job.PhaseCancelled:
		return s.Muted
	default:
		return s.Warn
	}
}
