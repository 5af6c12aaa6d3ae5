package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"docket/internal/analysis"
	"docket/internal/job"
	"docket/internal/supervisor"
	"docket/internal/workflow"
)

// refreshInterval is how often the dashboard re-reads the supervisor.
const refreshInterval = 250 * time.Millisecond

type tickMsg time.Time

// jobsMsg carries one refresh of supervisor state into the model.
type jobsMsg struct {
	snaps    []workflow.Snapshot
	counts   supervisor.Counts
	activeID string
}

// WatchModel is the live dashboard behind 'docket watch': one row per
// job, with per-run rows during a multi-model analysis. Quitting leaves
// every job running.
type WatchModel struct {
	sup *supervisor.Supervisor

	spinner spinner.Model
	bar     progress.Model
	styles  Styles

	snaps    []workflow.Snapshot
	counts   supervisor.Counts
	activeID string
	width    int
	quitting bool
}

// NewWatchModel builds the dashboard over sup.
func NewWatchModel(sup *supervisor.Supervisor) WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ColorAccent)

	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = 30

	return WatchModel{
		sup:     sup,
		spinner: sp,
		bar:     bar,
		styles:  DefaultStyles(),
		width:   80,
	}
}

// Init starts the spinner and the refresh loop.
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.refresh(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// refresh reads the supervisor outside the update loop.
func (m WatchModel) refresh() tea.Cmd {
	sup := m.sup
	return func() tea.Msg {
		return jobsMsg{
			snaps:    sup.List(),
			counts:   sup.Counts(),
			activeID: sup.ActiveID(),
		}
	}
}

// Update handles messages.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			// Jobs keep running; only the view goes away.
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		w := msg.Width - 46
		if w < 10 {
			w = 10
		}
		if w > 40 {
			w = 40
		}
		m.bar.Width = w

	case tickMsg:
		return m, tea.Batch(m.refresh(), tick())

	case jobsMsg:
		m.snaps = msg.snaps
		m.counts = msg.counts
		m.activeID = msg.activeID

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the dashboard.
func (m WatchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.styles.Title.Render("docket · live jobs"))
	b.WriteString("  ")
	b.WriteString(RenderCounts(m.counts))
	b.WriteString("\n\n")

	if len(m.snaps) == 0 {
		b.WriteString(m.styles.Muted.Render("no jobs in this session"))
		b.WriteString("\n")
	}

	for _, snap := range m.snaps {
		b.WriteString(m.renderJob(snap))
	}

	b.WriteString("\n")
	b.WriteString(m.styles.Muted.Render("q quit (jobs keep running)"))
	b.WriteString("\n")
	return b.String()
}

func (m WatchModel) renderJob(snap workflow.Snapshot) string {
	var b strings.Builder

	marker := " "
	if snap.Job.ID == m.activeID {
		marker = m.styles.Active.Render("*")
	}
	status := m.statusGlyph(snap.Job.Phase)

	phase := m.styles.PhaseStyle(snap.Job.Phase).Render(fmt.Sprintf("%-18s", snap.Job.Phase))
	b.WriteString(fmt.Sprintf("%s %s %-14s %s %s %3d%%",
		marker, status, snap.Job.ID, phase,
		m.bar.ViewAs(float64(snap.Job.Progress)/100), snap.Job.Progress))

	detail := snap.Job.Message
	if detail == "" {
		detail = connStateLabel(snap.ConnState)
	}
	if detail != "" {
		b.WriteString("  ")
		b.WriteString(m.styles.Muted.Render(detail))
	}
	b.WriteString("\n")

	for _, run := range snap.Runs {
		b.WriteString(m.renderRun(run))
	}
	return b.String()
}

func (m WatchModel) renderRun(run *analysis.ModelRun) string {
	glyph := m.spinner.View()
	switch run.Status {
	case analysis.RunCompleted:
		glyph = m.styles.OK.Render("✓")
	case analysis.RunFailed:
		glyph = m.styles.Err.Render("✗")
	case analysis.RunPending:
		glyph = m.styles.Muted.Render("·")
	}

	line := fmt.Sprintf("    %s %-14s %s %3d%%",
		glyph, run.Backend.ID,
		m.bar.ViewAs(float64(run.Progress)/100), run.Progress)
	if run.Status == analysis.RunFailed && run.Err != "" {
		line += "  " + m.styles.Err.Render(run.Err)
	} else if run.Message != "" {
		line += "  " + m.styles.Muted.Render(run.Message)
	}
	return line + "\n"
}

func (m WatchModel) statusGlyph(p job.Phase) string {
	switch p {
	case job.PhaseCompleted:
		return m.styles.OK.Render("✓")
	case job.PhaseFailed:
		return m.styles.Err.Render("✗")
	case job.PhaseCancelled:
		return m.styles.Muted.Render("–")
	default:
		return m.spinner.View()
	}
}

func connStateLabel(state job.ConnState) string {
	switch state {
	case job.StateConnected:
		return "live"
	case job.StatePolling:
		return "polling"
	case job.StateDisconnected:
		return "reconnecting"
	case job.StateTerminal:
		return ""
	}
	return ""
}

// RunWatch runs the dashboard until the operator quits.
func RunWatch(sup *supervisor.Supervisor) error {
	p := tea.NewProgram(NewWatchModel(sup), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
