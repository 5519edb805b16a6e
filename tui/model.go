// Package tui renders a live dashboard of runs and their pipeline
// instances on top of the orchestrator API.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// RunRow is one run in the dashboard list
type RunRow struct {
	ID            string
	Task          string
	Status        string
	InstanceCount int
	CreatedAt     time.Time
}

// InstanceRow is one pipeline instance of the selected run
type InstanceRow struct {
	InstanceID int
	Branch     string
	State      string
	Result     string
	Detail     string
}

// Fetcher supplies dashboard data. Implemented against the HTTP API;
// tests substitute fixtures.
type Fetcher interface {
	Runs() ([]RunRow, error)
	Instances(runID string) ([]InstanceRow, error)
}

// Model is the TUI application model
type Model struct {
	fetcher Fetcher

	runs      []RunRow
	instances []InstanceRow
	selected  int

	width  int
	height int

	err         error
	lastRefresh time.Time
}

// NewModel creates a new TUI model
func NewModel(fetcher Fetcher) Model {
	return Model{fetcher: fetcher}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tickCmd())
}

// TickMsg triggers a periodic refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// runsMsg carries freshly fetched runs
type runsMsg struct {
	runs []RunRow
	err  error
}

// instancesMsg carries the instances of the selected run
type instancesMsg struct {
	runID     string
	instances []InstanceRow
	err       error
}

func (m Model) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		runs, err := m.fetcher.Runs()
		return runsMsg{runs: runs, err: err}
	}
}

func (m Model) fetchInstancesCmd(runID string) tea.Cmd {
	return func() tea.Msg {
		instances, err := m.fetcher.Instances(runID)
		return instancesMsg{runID: runID, instances: instances, err: err}
	}
}

// SelectedRun returns the currently selected run, or nil
func (m Model) SelectedRun() *RunRow {
	if m.selected < 0 || m.selected >= len(m.runs) {
		return nil
	}
	return &m.runs[m.selected]
}
