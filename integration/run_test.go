//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/domain"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/web/api"
)

func postJSON(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func (s *Stack) signal(t *testing.T, sig domain.StageSignal) (int, domain.SignalOutcome) {
	t.Helper()
	var outcome domain.SignalOutcome
	code := postJSON(t, s.Server.URL+"/api/signal", sig, &outcome)
	return code, outcome
}

// TestRunLifecycle drives one instance end to end over the HTTP API:
// create, produce, review, integrate, archive.
func TestRunLifecycle(t *testing.T) {
	stack := NewStack(t)

	var run api.RunDetailResponse
	code := postJSON(t, stack.Server.URL+"/api/runs", api.CreateRunRequest{
		Task:          "add a greeting",
		InstanceCount: 1,
	}, &run)
	if code != http.StatusCreated {
		t.Fatalf("create run: status %d", code)
	}
	inst := run.Instances[0]

	// Produce: commit work on the branch, then signal.
	Commit(t, inst.WorkspacePath, "greeting.txt", "hello\n", "add greeting")
	code, outcome := stack.signal(t, domain.StageSignal{
		RunID:         run.ID,
		InstanceID:    0,
		Stage:         domain.StageProduce,
		Token:         stack.ActiveToken(t, run.ID, 0),
		Branch:        inst.Branch,
		WorkspacePath: inst.WorkspacePath,
	})
	if code != http.StatusOK {
		t.Fatalf("produce signal: status %d", code)
	}
	if outcome.NewState != domain.StateReviewRunning {
		t.Fatalf("state after produce = %s, want review_running", outcome.NewState)
	}

	// Review: commit the verdict artifact, then signal.
	Commit(t, inst.WorkspacePath, "review.yaml",
		"verdict: approved\nsummary: looks good\n", "record review")
	code, outcome = stack.signal(t, domain.StageSignal{
		RunID:      run.ID,
		InstanceID: 0,
		Stage:      domain.StageReview,
		Token:      stack.ActiveToken(t, run.ID, 0),
	})
	if code != http.StatusOK {
		t.Fatalf("review signal: status %d", code)
	}
	if outcome.NewState != domain.StateIntegrateRunning {
		t.Fatalf("state after review = %s, want integrate_running", outcome.NewState)
	}

	// Integrate: the reconciler merges the branch into trunk.
	code, outcome = stack.signal(t, domain.StageSignal{
		RunID:      run.ID,
		InstanceID: 0,
		Stage:      domain.StageIntegrate,
		Token:      stack.ActiveToken(t, run.ID, 0),
	})
	if code != http.StatusOK {
		t.Fatalf("integrate signal: status %d", code)
	}
	if outcome.NewState != domain.StateMerged {
		t.Fatalf("state after integrate = %s, want merged", outcome.NewState)
	}

	var view api.RunDetailResponse
	if code := getJSON(t, stack.Server.URL+"/api/runs/"+run.ID, &view); code != http.StatusOK {
		t.Fatalf("get run: status %d", code)
	}
	if view.Status != string(domain.RunComplete) {
		t.Errorf("run status = %s, want complete", view.Status)
	}

	// Archive reclaims the workspace.
	if code := postJSON(t, stack.Server.URL+"/api/runs/"+run.ID+"/archive", nil, nil); code != http.StatusOK {
		t.Fatalf("archive: status %d", code)
	}
}

// TestRunLifecycle_UnverifiedProduce asserts an empty branch cannot claim
// produce completion, and that the same token succeeds once work exists.
func TestRunLifecycle_UnverifiedProduce(t *testing.T) {
	stack := NewStack(t)

	var run api.RunDetailResponse
	postJSON(t, stack.Server.URL+"/api/runs", api.CreateRunRequest{Task: "task", InstanceCount: 1}, &run)
	inst := run.Instances[0]
	token := stack.ActiveToken(t, run.ID, 0)

	code, _ := stack.signal(t, domain.StageSignal{
		RunID:      run.ID,
		InstanceID: 0,
		Stage:      domain.StageProduce,
		Token:      token,
	})
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("empty-branch signal: status %d, want 422", code)
	}

	Commit(t, inst.WorkspacePath, "work.txt", "done\n", "do the work")
	code, outcome := stack.signal(t, domain.StageSignal{
		RunID:      run.ID,
		InstanceID: 0,
		Stage:      domain.StageProduce,
		Token:      token,
	})
	if code != http.StatusOK {
		t.Fatalf("retry signal: status %d", code)
	}
	if outcome.NewState != domain.StateReviewRunning {
		t.Errorf("state = %s, want review_running", outcome.NewState)
	}
}

// TestRunLifecycle_TokenReplay asserts a consumed token replays the
// recorded outcome without re-running the transition.
func TestRunLifecycle_TokenReplay(t *testing.T) {
	stack := NewStack(t)

	var run api.RunDetailResponse
	postJSON(t, stack.Server.URL+"/api/runs", api.CreateRunRequest{Task: "task", InstanceCount: 1}, &run)
	inst := run.Instances[0]
	token := stack.ActiveToken(t, run.ID, 0)

	Commit(t, inst.WorkspacePath, "work.txt", "v1\n", "work")
	sig := domain.StageSignal{RunID: run.ID, InstanceID: 0, Stage: domain.StageProduce, Token: token}

	code, first := stack.signal(t, sig)
	if code != http.StatusOK {
		t.Fatalf("first signal: status %d", code)
	}
	code, second := stack.signal(t, sig)
	if code != http.StatusOK {
		t.Fatalf("replay: status %d", code)
	}
	if first != second {
		t.Errorf("replay outcome differs: %+v vs %+v", first, second)
	}
}

// TestRunLifecycle_Conflict asserts two instances touching the same file
// end with one merged and one needing manual resolution.
func TestRunLifecycle_Conflict(t *testing.T) {
	stack := NewStack(t)

	var run api.RunDetailResponse
	postJSON(t, stack.Server.URL+"/api/runs", api.CreateRunRequest{Task: "task", InstanceCount: 2}, &run)

	advance := func(instanceID int, content string) domain.InstanceState {
		inst := run.Instances[instanceID]
		Commit(t, inst.WorkspacePath, "shared.txt", content, fmt.Sprintf("edit from %d", instanceID))
		stack.signal(t, domain.StageSignal{
			RunID: run.ID, InstanceID: instanceID, Stage: domain.StageProduce,
			Token: stack.ActiveToken(t, run.ID, instanceID),
		})
		Commit(t, inst.WorkspacePath, "review.yaml", "verdict: approved\n", "review")
		stack.signal(t, domain.StageSignal{
			RunID: run.ID, InstanceID: instanceID, Stage: domain.StageReview,
			Token: stack.ActiveToken(t, run.ID, instanceID),
		})
		_, outcome := stack.signal(t, domain.StageSignal{
			RunID: run.ID, InstanceID: instanceID, Stage: domain.StageIntegrate,
			Token: stack.ActiveToken(t, run.ID, instanceID),
		})
		return outcome.NewState
	}

	if state := advance(0, "from zero\n"); state != domain.StateMerged {
		t.Fatalf("instance 0 state = %s, want merged", state)
	}
	if state := advance(1, "from one\n"); state != domain.StateFailedManual {
		t.Fatalf("instance 1 state = %s, want failed_needs_manual", state)
	}

	var view api.RunDetailResponse
	getJSON(t, stack.Server.URL+"/api/runs/"+run.ID, &view)
	if view.Status != string(domain.RunPartialFailure) {
		t.Errorf("run status = %s, want partial_failure", view.Status)
	}
	if len(view.Instances[1].ConflictPaths) == 0 {
		t.Error("no conflict paths recorded for instance 1")
	}
}
