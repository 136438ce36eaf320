package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/marianellas/veritas/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	b.WriteString(headerStyle.Width(m.width).Render(m.header()))
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var content string
	switch m.activeTab {
	case TabSteps:
		content = m.renderSteps()
	case TabLog:
		content = m.renderLog()
	case TabTests:
		content = m.renderTests()
	case TabCoverage:
		content = m.renderCoverage()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(content))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(failedStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString(statusBarStyle.Width(m.width).Render(m.statusBar()))
	return b.String()
}

func (m Model) header() string {
	fn := "?"
	status := domain.RunQueued
	if m.run != nil {
		fn = m.run.FunctionName
		status = m.run.Status
	}
	elapsed := m.lastRefresh.Sub(m.started)
	if m.lastRefresh.IsZero() || elapsed < 0 {
		elapsed = 0
	}
	return fmt.Sprintf(" veritas │ %s │ %s │ %s │ %s ", m.runID, fn, status, formatDuration(elapsed))
}

func (m Model) statusBar() string {
	keys := " tab: switch │ j/k: scroll │ q: quit"
	if m.cancel != nil && !m.done {
		if m.cancelSent {
			keys += " │ cancelling..."
		} else {
			keys += " │ c: cancel"
		}
	}
	return keys
}

func (m Model) renderTabs() string {
	var parts []string
	for i, tab := range tabNames {
		if Tab(i) == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}
	return strings.Join(parts, "│")
}

func stepIcon(s domain.StepStatus) string {
	switch s {
	case domain.StepSuccess:
		return completedStyle.Render("✓")
	case domain.StepFail:
		return failedStyle.Render("✗")
	case domain.StepRunning:
		return runningStyle.Render("●")
	case domain.StepSkipped:
		return dimmedStyle.Render("-")
	}
	return queuedStyle.Render("○")
}

func (m Model) renderSteps() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("STEPS"))
	b.WriteString("\n")

	if m.run == nil {
		b.WriteString(queuedStyle.Render("  Waiting for run..."))
		return b.String()
	}

	for _, s := range m.run.Steps {
		line := fmt.Sprintf("  %s %-16s %s", stepIcon(s.Status), s.Name, s.Status)
		if s.StartedAt != nil && s.CompletedAt != nil {
			line += dimmedStyle.Render(" " + s.CompletedAt.Sub(*s.StartedAt).Round(time.Millisecond).String())
		}
		b.WriteString(line)
		b.WriteString("\n")
		if s.Error != "" {
			b.WriteString(failedStyle.Render("      " + truncate(s.Error, m.width-10)))
			b.WriteString("\n")
		}
	}

	if m.run.Status.Terminal() {
		b.WriteString("\n")
		b.WriteString(m.renderOutcome())
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderOutcome() string {
	r := m.run
	var b strings.Builder
	switch r.Status {
	case domain.RunSuccess:
		b.WriteString(completedStyle.Render("Run succeeded"))
	case domain.RunFailed:
		b.WriteString(failedStyle.Render("Run failed"))
	default:
		b.WriteString(warningStyle.Render("Run cancelled"))
	}
	fmt.Fprintf(&b, " after %d iteration(s)\n", r.IterationsUsed)
	if r.InferredSpec != "" {
		fmt.Fprintf(&b, "  Behavior: %s\n", truncate(r.InferredSpec, m.width-16))
	}
	if r.ArtifactsPath != "" {
		fmt.Fprintf(&b, "  Artifacts: %s\n", r.ArtifactsPath)
	}
	if r.PR != nil {
		if r.PR.URL != nil {
			fmt.Fprintf(&b, "  PR: %s\n", *r.PR.URL)
		} else {
			fmt.Fprintf(&b, "  PR: %s\n", dimmedStyle.Render("not opened"))
		}
	}
	return b.String()
}

func (m Model) visibleLines() int {
	// header, tabs, borders, title and status bar
	n := m.height - 7
	if n < 5 {
		n = 5
	}
	return n
}

// window returns the slice of lines visible at the current scroll offset
func (m Model) window(lines []string) []string {
	max := m.visibleLines()
	if len(lines) <= max {
		return lines
	}
	start := m.scroll
	if start > len(lines)-max {
		start = len(lines) - max
	}
	return lines[start : start+max]
}

func (m Model) renderLog() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("LOG (%d)", len(m.logs))))
	b.WriteString("\n")

	if len(m.logs) == 0 {
		b.WriteString(queuedStyle.Render("  No log entries yet"))
		return b.String()
	}

	lines := make([]string, 0, len(m.logs))
	for _, l := range m.logs {
		line := fmt.Sprintf("%s %s %s",
			dimmedStyle.Render(l.Time.Format("15:04:05")),
			queuedStyle.Render(fmt.Sprintf("[%s]", l.Step)),
			truncate(l.Message, m.width-30))
		if strings.HasPrefix(l.Message, "Error") {
			line = failedStyle.Render(line)
		}
		lines = append(lines, line)
	}
	b.WriteString(strings.Join(m.window(lines), "\n"))
	return b.String()
}

func (m Model) renderTests() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("GENERATED TESTS"))
	b.WriteString("\n")

	if m.run == nil || m.run.GeneratedTests == "" {
		b.WriteString(queuedStyle.Render("  No tests generated yet"))
		return b.String()
	}

	lines := strings.Split(strings.TrimRight(m.run.GeneratedTests, "\n"), "\n")
	b.WriteString(strings.Join(m.window(lines), "\n"))

	out := m.run.TestRunOutput
	if out.Stdout != "" || out.Stderr != "" {
		b.WriteString("\n\n")
		if out.Passed() {
			b.WriteString(completedStyle.Render("Last run passed"))
		} else {
			b.WriteString(failedStyle.Render(fmt.Sprintf("Last run exited %d", out.ExitCode)))
		}
	}
	return b.String()
}

func (m Model) renderCoverage() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("COVERAGE"))
	b.WriteString("\n")

	if m.run == nil || m.run.Step(domain.StepCoverageReport) == nil ||
		m.run.Step(domain.StepCoverageReport).Status != domain.StepSuccess {
		b.WriteString(queuedStyle.Render("  No coverage report yet"))
		return b.String()
	}

	c := m.run.CoverageSummary
	threshold := m.run.Options.CoverageThreshold
	b.WriteString(coverageLine("Lines", c.LinePct, threshold))
	b.WriteString(coverageLine("Branches", c.BranchPct, threshold))
	b.WriteString(coverageLine("Functions", c.FunctionPct, threshold))

	if len(c.Files) > 0 {
		b.WriteString("\n")
		for _, f := range c.Files {
			fmt.Fprintf(&b, "  %-30s %3d%%  %d lines  %d branches\n", truncate(f.Filename, 30), f.Percent, f.Lines, f.Branches)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func coverageLine(label string, pct, threshold int) string {
	style := completedStyle
	if pct < threshold {
		style = warningStyle
	}
	return fmt.Sprintf("  %-10s %s\n", label, style.Render(fmt.Sprintf("%3d%%", pct)))
}

func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}
