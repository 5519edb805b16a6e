package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	mergedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	active := 0
	for _, run := range m.runs {
		if run.Status == "active" {
			active++
		}
	}
	header := fmt.Sprintf(" Pipeline Orchestrator │ Runs: %d │ Active: %d ", len(m.runs), active)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRuns()))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderInstances()))
	b.WriteString("\n")

	status := " j/k: select │ r: refresh │ q: quit"
	if m.err != nil {
		status = failedStyle.Render(" error: " + m.err.Error())
	} else if !m.lastRefresh.IsZero() {
		status += dimmedStyle.Render(fmt.Sprintf(" │ refreshed %s", humanize.Time(m.lastRefresh)))
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(status))

	return b.String()
}

func (m Model) renderRuns() string {
	var b strings.Builder
	b.WriteString("Runs\n")

	if len(m.runs) == 0 {
		b.WriteString(dimmedStyle.Render("  no runs"))
		return b.String()
	}

	for i, run := range m.runs {
		marker := "  "
		if i == m.selected {
			marker = "> "
		}
		line := fmt.Sprintf("%s%-36s %-16s %2d inst  %-14s %s",
			marker, run.ID, styleStatus(run.Status), run.InstanceCount,
			humanize.Time(run.CreatedAt), truncate(run.Task, m.width-80))
		if i == m.selected {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderInstances() string {
	var b strings.Builder
	b.WriteString("Instances\n")

	if len(m.instances) == 0 {
		b.WriteString(dimmedStyle.Render("  select a run"))
		return b.String()
	}

	for _, inst := range m.instances {
		detail := inst.Detail
		if detail != "" {
			detail = dimmedStyle.Render(truncate(detail, m.width-60))
		}
		b.WriteString(fmt.Sprintf("  %d  %-14s %-22s %s\n",
			inst.InstanceID, inst.Branch, styleState(inst.State), detail))
	}
	return strings.TrimRight(b.String(), "\n")
}

func styleStatus(status string) string {
	switch status {
	case "active":
		return runningStyle.Render(pad(status, 16))
	case "complete":
		return mergedStyle.Render(pad(status, 16))
	default:
		return failedStyle.Render(pad(status, 16))
	}
}

func styleState(state string) string {
	switch state {
	case "merged":
		return mergedStyle.Render(pad(state, 22))
	case "failed", "failed_needs_manual":
		return failedStyle.Render(pad(state, 22))
	default:
		return runningStyle.Render(pad(state, 22))
	}
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func truncate(s string, max int) string {
	if max < 10 {
		max = 10
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
