//go:build integration

package integration

import (
	"context"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/controller"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/jobproto"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/reconciler"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/registry"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/scheduler"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/workspace"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/web/api"
)

// acceptCluster accepts every submission without executing anything; the
// test plays the role of the stage job.
type acceptCluster struct{}

func (acceptCluster) Submit(ctx context.Context, job *jobproto.JobMessage) error { return nil }
func (acceptCluster) Cancel(jobID string) error                                  { return nil }
func (acceptCluster) Active(jobID string) bool                                   { return true }

// Stack is a full orchestrator wired against temp storage, fronted by an
// httptest server.
type Stack struct {
	Store      *registry.Store
	Workspaces *workspace.Manager
	Controller *controller.Controller
	Server     *httptest.Server
}

// NewStack builds the orchestrator stack for one test
func NewStack(t *testing.T) *Stack {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	store, err := registry.New(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	workspaces := workspace.NewManager(t.TempDir())
	sched := scheduler.New(store, acceptCluster{}, scheduler.Config{RetryDelay: time.Millisecond})
	ctrl := controller.New(store, workspaces, sched, reconciler.New(workspaces), nil, nil)

	server := httptest.NewServer(api.NewServer(ctrl, nil, ":0").Handler())
	t.Cleanup(server.Close)

	return &Stack{
		Store:      store,
		Workspaces: workspaces,
		Controller: ctrl,
		Server:     server,
	}
}

// ActiveToken returns the signal token of the single active job for an
// instance. The registry is the same source jobs get their token from.
func (s *Stack) ActiveToken(t *testing.T, runID string, instanceID int) string {
	t.Helper()
	jobs, err := s.Store.ListActiveJobs(runID)
	if err != nil {
		t.Fatal(err)
	}
	for _, job := range jobs {
		if job.InstanceID == instanceID {
			return job.Token
		}
	}
	t.Fatalf("no active job for instance %d", instanceID)
	return ""
}

// Commit writes a file in the instance workspace and commits it
func Commit(t *testing.T, wsPath, name, content, message string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(wsPath, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{
		{"add", "."},
		{"-c", "user.email=test@test", "-c", "user.name=test", "commit", "-m", message},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = wsPath
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
}
