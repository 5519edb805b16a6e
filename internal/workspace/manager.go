// Package workspace owns the shared per-run repository and the isolated
// per-instance working copies. Each run gets one git repository with a
// trunk branch; each instance works on its own branch in its own worktree.
// Structural mutations are serialized per run by an advisory file lock.
package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/domain"
	"gopkg.in/yaml.v3"
)

// ReviewArtifactName is the well-known file whose appearance in an instance
// branch's history marks the review stage as done.
const ReviewArtifactName = "review.yaml"

// Manager handles run repositories and instance worktrees under a base directory
type Manager struct {
	baseDir string
}

// NewManager creates a Manager rooted at baseDir
func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

// runDir returns the directory holding a run's repository and workspaces
func (m *Manager) runDir(runID string) string {
	return filepath.Join(m.baseDir, "run-"+runID)
}

// RepoDir returns the path of a run's shared repository
func (m *Manager) RepoDir(runID string) string {
	return filepath.Join(m.runDir(runID), "repo")
}

// WorkspacePath returns the worktree directory for an instance
func (m *Manager) WorkspacePath(runID string, instanceID int) string {
	return filepath.Join(m.runDir(runID), domain.BranchName(instanceID))
}

// runManifest is committed as run.yaml in the initial trunk commit
type runManifest struct {
	RunID     string    `yaml:"run_id"`
	CreatedAt time.Time `yaml:"created_at"`
}

// InitRun creates the run's shared repository with an initial commit.
// Idempotent: an existing repository is left untouched.
func (m *Manager) InitRun(runID string) error {
	repoDir := m.RepoDir(runID)
	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err == nil {
		return nil
	}

	if err := os.MkdirAll(repoDir, 0755); err != nil {
		return fmt.Errorf("%w: creating repo dir: %v", domain.ErrStorageUnavailable, err)
	}

	lock, err := m.lockRun(runID)
	if err != nil {
		return err
	}
	defer lock.unlock()

	// Re-check under the lock: a sibling replica may have won the init race.
	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err == nil {
		return nil
	}

	if _, err := runGit(repoDir, "init"); err != nil {
		return err
	}
	if _, err := runGit(repoDir, "config", "user.email", "orchestrator@claude.local"); err != nil {
		return err
	}
	if _, err := runGit(repoDir, "config", "user.name", "Claude Orchestrator"); err != nil {
		return err
	}

	manifest, err := yaml.Marshal(runManifest{RunID: runID, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(repoDir, "run.yaml"), manifest, 0644); err != nil {
		return fmt.Errorf("%w: writing run manifest: %v", domain.ErrStorageUnavailable, err)
	}

	if _, err := runGit(repoDir, "add", "."); err != nil {
		return err
	}
	if _, err := runGit(repoDir, "commit", "-m", "Initial commit"); err != nil {
		return err
	}
	return nil
}

// TrunkBranch returns the name of the run's trunk branch
func (m *Manager) TrunkBranch(runID string) (string, error) {
	out, err := runGit(m.RepoDir(runID), "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return out, nil
}

// CreateInstanceWorkspace creates an isolated worktree on a fresh
// instance-<id> branch off trunk. Creation is serialized per run via the
// advisory lock; calling it twice for the same instance returns
// ErrWorkspaceExists.
func (m *Manager) CreateInstanceWorkspace(runID string, instanceID int) (string, error) {
	lock, err := m.lockRun(runID)
	if err != nil {
		return "", err
	}
	defer lock.unlock()

	repoDir := m.RepoDir(runID)
	branch := domain.BranchName(instanceID)
	wsPath := m.WorkspacePath(runID, instanceID)

	if _, err := runGit(repoDir, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		return "", fmt.Errorf("%w: branch %s in run %s", domain.ErrWorkspaceExists, branch, runID)
	}
	if _, err := os.Stat(wsPath); err == nil {
		return "", fmt.Errorf("%w: %s", domain.ErrWorkspaceExists, wsPath)
	}

	if _, err := runGit(repoDir, "worktree", "add", "-b", branch, wsPath); err != nil {
		return "", err
	}
	return wsPath, nil
}

// Facts are the structured repository facts the controller validates
// signals against. They are derived from the repository itself, never from
// a job's self-report.
type Facts struct {
	BranchAdvanced  bool   // branch has commits beyond trunk
	ArtifactPresent bool   // review artifact appears in the branch's history
	TipCommit       string // branch tip commit id
}

// Inspect returns repository facts for an instance branch. Lock-free.
func (m *Manager) Inspect(runID string, instanceID int) (*Facts, error) {
	repoDir := m.RepoDir(runID)
	branch := domain.BranchName(instanceID)

	trunk, err := m.TrunkBranch(runID)
	if err != nil {
		return nil, err
	}

	ahead, err := runGit(repoDir, "rev-list", "--count", trunk+".."+branch)
	if err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(ahead)
	if err != nil {
		return nil, fmt.Errorf("parsing rev-list count %q: %w", ahead, err)
	}

	// Only commits past trunk count: the artifact must have been produced
	// on the instance branch, not inherited from the initial commit.
	artifactPast, err := runGit(repoDir, "rev-list", trunk+".."+branch, "--", ReviewArtifactName)
	if err != nil {
		return nil, err
	}

	tip, err := runGit(repoDir, "rev-parse", branch)
	if err != nil {
		return nil, err
	}

	return &Facts{
		BranchAdvanced:  count > 0,
		ArtifactPresent: artifactPast != "",
		TipCommit:       tip,
	}, nil
}

// ReviewArtifact is the parsed review.yaml an instance's review stage commits
type ReviewArtifact struct {
	Verdict string `yaml:"verdict"`
	Summary string `yaml:"summary"`
}

// ReadReviewArtifact parses the review artifact from the instance branch.
// Returns nil without error when the artifact does not exist.
func (m *Manager) ReadReviewArtifact(runID string, instanceID int) (*ReviewArtifact, error) {
	repoDir := m.RepoDir(runID)
	branch := domain.BranchName(instanceID)

	out, err := runGit(repoDir, "show", branch+":"+ReviewArtifactName)
	if err != nil {
		return nil, nil
	}

	var artifact ReviewArtifact
	if err := yaml.Unmarshal([]byte(out), &artifact); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ReviewArtifactName, err)
	}
	return &artifact, nil
}

// Reclaim removes all instance worktrees of an archived run. The shared
// repository and its history are kept.
func (m *Manager) Reclaim(runID string, instanceCount int) error {
	lock, err := m.lockRun(runID)
	if err != nil {
		return err
	}
	defer lock.unlock()

	repoDir := m.RepoDir(runID)
	for i := 0; i < instanceCount; i++ {
		wsPath := m.WorkspacePath(runID, i)
		if _, err := os.Stat(wsPath); os.IsNotExist(err) {
			continue
		}
		if _, err := runGit(repoDir, "worktree", "remove", "--force", wsPath); err != nil {
			return err
		}
	}
	_, err = runGit(repoDir, "worktree", "prune")
	return err
}

// runGit runs a git command in dir and returns trimmed stdout
func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("%w: git %s: %s", domain.ErrStorageUnavailable,
				strings.Join(args, " "), strings.TrimSpace(string(ee.Stderr)))
		}
		return "", fmt.Errorf("%w: git %s: %v", domain.ErrStorageUnavailable,
			strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}
