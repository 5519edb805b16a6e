package reconciler

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/workspace"
)

func newTestRun(t *testing.T) (*workspace.Manager, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	m := workspace.NewManager(t.TempDir())
	if err := m.InitRun("r1"); err != nil {
		t.Fatal(err)
	}
	return m, "r1"
}

func commitFile(t *testing.T, dir, name, content, message string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{{"add", name}, {"commit", "-m", message}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %s: %v", args, out, err)
		}
	}
}

func TestReconciler_MergesCleanBranch(t *testing.T) {
	m, runID := newTestRun(t)
	ws, err := m.CreateInstanceWorkspace(runID, 0)
	if err != nil {
		t.Fatal(err)
	}
	commitFile(t, ws, "solution.txt", "work\n", "Produce output")

	r := New(m)
	result, err := r.Integrate(runID, 0)
	if err != nil {
		t.Fatal(err)
	}

	if !result.Merged || result.AlreadyMerged {
		t.Errorf("result = %+v, want fresh merge", result)
	}
	if result.MergeCommit == "" {
		t.Error("empty merge commit")
	}

	// Trunk now contains the instance's work.
	if _, err := os.Stat(filepath.Join(m.RepoDir(runID), "solution.txt")); err != nil {
		t.Errorf("merged file missing from trunk: %v", err)
	}
}

func TestReconciler_IntegrateIsIdempotent(t *testing.T) {
	m, runID := newTestRun(t)
	ws, err := m.CreateInstanceWorkspace(runID, 0)
	if err != nil {
		t.Fatal(err)
	}
	commitFile(t, ws, "solution.txt", "work\n", "Produce output")

	r := New(m)
	first, err := r.Integrate(runID, 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Integrate(runID, 0)
	if err != nil {
		t.Fatal(err)
	}

	if !second.Merged || !second.AlreadyMerged {
		t.Errorf("second = %+v, want already-merged", second)
	}
	if second.MergeCommit != first.MergeCommit {
		t.Errorf("retry moved trunk: %s vs %s", second.MergeCommit, first.MergeCommit)
	}
}

func TestReconciler_ConflictAbortsAndReportsPaths(t *testing.T) {
	m, runID := newTestRun(t)

	ws0, err := m.CreateInstanceWorkspace(runID, 0)
	if err != nil {
		t.Fatal(err)
	}
	ws1, err := m.CreateInstanceWorkspace(runID, 1)
	if err != nil {
		t.Fatal(err)
	}

	// Both instances edit the same file with different content.
	commitFile(t, ws0, "shared.txt", "from instance 0\n", "Produce output")
	commitFile(t, ws1, "shared.txt", "from instance 1\n", "Produce output")

	r := New(m)
	first, err := r.Integrate(runID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Merged {
		t.Fatalf("first merge failed: %+v", first)
	}

	second, err := r.Integrate(runID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if second.Merged {
		t.Fatalf("conflicting merge reported success: %+v", second)
	}
	if len(second.ConflictPaths) != 1 || second.ConflictPaths[0] != "shared.txt" {
		t.Errorf("conflict paths = %v, want [shared.txt]", second.ConflictPaths)
	}

	// The repository is left clean: trunk still holds instance 0's content
	// and a later clean merge still works.
	data, err := os.ReadFile(filepath.Join(m.RepoDir(runID), "shared.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "from instance 0\n" {
		t.Errorf("trunk content = %q after aborted merge", data)
	}
}

func TestReconciler_SequentialMergesBothLand(t *testing.T) {
	m, runID := newTestRun(t)

	ws0, err := m.CreateInstanceWorkspace(runID, 0)
	if err != nil {
		t.Fatal(err)
	}
	ws1, err := m.CreateInstanceWorkspace(runID, 1)
	if err != nil {
		t.Fatal(err)
	}

	commitFile(t, ws0, "a.txt", "a\n", "Produce output")
	commitFile(t, ws1, "b.txt", "b\n", "Produce output")

	r := New(m)
	for i := 0; i < 2; i++ {
		result, err := r.Integrate(runID, i)
		if err != nil {
			t.Fatalf("integrate %d: %v", i, err)
		}
		if !result.Merged {
			t.Fatalf("integrate %d: %+v", i, result)
		}
	}

	for _, name := range []string{"a.txt", "b.txt"} {
		if _, err := os.Stat(filepath.Join(m.RepoDir(runID), name)); err != nil {
			t.Errorf("%s missing from trunk: %v", name, err)
		}
	}
}
