package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/tui"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/web/api"
)

func init() {
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the run dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)
}

// apiFetcher feeds the dashboard from the orchestrator API
type apiFetcher struct{}

func (apiFetcher) Runs() ([]tui.RunRow, error) {
	var runs []api.RunResponse
	if err := apiCall("GET", "/api/runs", nil, &runs); err != nil {
		return nil, err
	}

	rows := make([]tui.RunRow, 0, len(runs))
	for _, run := range runs {
		created, _ := time.Parse(time.RFC3339, run.CreatedAt)
		rows = append(rows, tui.RunRow{
			ID:            run.ID,
			Task:          run.Task,
			Status:        run.Status,
			InstanceCount: run.InstanceCount,
			CreatedAt:     created,
		})
	}
	return rows, nil
}

func (apiFetcher) Instances(runID string) ([]tui.InstanceRow, error) {
	var resp api.RunDetailResponse
	if err := apiCall("GET", "/api/runs/"+runID, nil, &resp); err != nil {
		return nil, err
	}

	rows := make([]tui.InstanceRow, 0, len(resp.Instances))
	for _, inst := range resp.Instances {
		detail := inst.FailureReason
		if len(inst.ConflictPaths) > 0 {
			detail = fmt.Sprintf("conflicts: %v", inst.ConflictPaths)
		}
		rows = append(rows, tui.InstanceRow{
			InstanceID: inst.InstanceID,
			Branch:     inst.Branch,
			State:      inst.State,
			Result:     inst.Result,
			Detail:     detail,
		})
	}
	return rows, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	p := tea.NewProgram(tui.NewModel(apiFetcher{}), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
