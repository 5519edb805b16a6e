package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refreshCmd()
		case "j", "down":
			if m.selected < len(m.runs)-1 {
				m.selected++
				if run := m.SelectedRun(); run != nil {
					return m, m.fetchInstancesCmd(run.ID)
				}
			}
		case "k", "up":
			if m.selected > 0 {
				m.selected--
				if run := m.SelectedRun(); run != nil {
					return m, m.fetchInstancesCmd(run.ID)
				}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd())

	case runsMsg:
		m.err = msg.err
		if msg.err != nil {
			return m, nil
		}
		m.runs = msg.runs
		m.lastRefresh = time.Now()
		if m.selected >= len(m.runs) {
			m.selected = len(m.runs) - 1
		}
		if m.selected < 0 {
			m.selected = 0
		}
		if run := m.SelectedRun(); run != nil {
			return m, m.fetchInstancesCmd(run.ID)
		}
		m.instances = nil

	case instancesMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		// Ignore responses for a run that is no longer selected.
		if run := m.SelectedRun(); run != nil && run.ID == msg.runID {
			m.instances = msg.instances
		}
	}

	return m, nil
}
