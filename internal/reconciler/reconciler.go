// Package reconciler integrates finished instance branches into the run's
// trunk. Merges happen in the run's shared repository under the per-run
// lock, one at a time, and every merge is verified against the repository
// before it is reported as done. A conflicting merge is aborted cleanly and
// the conflicting paths are reported for manual resolution.
package reconciler

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/domain"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/workspace"
)

// Result describes the outcome of one integration attempt
type Result struct {
	Merged        bool
	AlreadyMerged bool
	MergeCommit   string
	ConflictPaths []string
}

// Reconciler merges instance branches into trunk
type Reconciler struct {
	workspaces *workspace.Manager
}

// New creates a Reconciler over the given workspace manager
func New(workspaces *workspace.Manager) *Reconciler {
	return &Reconciler{workspaces: workspaces}
}

// Integrate merges the instance branch into trunk with a merge commit.
// Retries are idempotent: a branch already reachable from trunk reports
// AlreadyMerged without touching the repository. On conflict the merge is
// aborted, the working tree is left clean and the conflicting paths are
// returned; the caller decides the resulting instance state.
func (r *Reconciler) Integrate(runID string, instanceID int) (*Result, error) {
	repoDir := r.workspaces.RepoDir(runID)
	branch := domain.BranchName(instanceID)

	var result *Result
	err := r.workspaces.WithRunLock(runID, func() error {
		trunk, err := r.workspaces.TrunkBranch(runID)
		if err != nil {
			return err
		}

		if ancestor(repoDir, branch, trunk) {
			tip, err := git(repoDir, "rev-parse", trunk)
			if err != nil {
				return err
			}
			result = &Result{Merged: true, AlreadyMerged: true, MergeCommit: tip}
			return nil
		}

		if _, err := git(repoDir, "checkout", trunk); err != nil {
			return err
		}

		_, mergeErr := git(repoDir, "merge", "--no-ff", branch,
			"-m", fmt.Sprintf("Integrate %s", branch))
		if mergeErr != nil {
			conflicts, err := git(repoDir, "diff", "--name-only", "--diff-filter=U")
			if err != nil {
				return err
			}
			if _, err := git(repoDir, "merge", "--abort"); err != nil {
				return fmt.Errorf("aborting conflicted merge: %w", err)
			}
			if conflicts == "" {
				// Merge failed for a reason other than content conflicts.
				return fmt.Errorf("%w: merging %s: %v", domain.ErrStorageUnavailable, branch, mergeErr)
			}
			result = &Result{ConflictPaths: strings.Split(conflicts, "\n")}
			return nil
		}

		// The merge only counts once the repository agrees.
		if !ancestor(repoDir, branch, trunk) {
			return fmt.Errorf("%w: %s not reachable from %s after merge",
				domain.ErrUnverifiedCompletion, branch, trunk)
		}

		tip, err := git(repoDir, "rev-parse", trunk)
		if err != nil {
			return err
		}
		result = &Result{Merged: true, MergeCommit: tip}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ancestor reports whether ref is reachable from tip
func ancestor(repoDir, ref, tip string) bool {
	cmd := exec.Command("git", "merge-base", "--is-ancestor", ref, tip)
	cmd.Dir = repoDir
	return cmd.Run() == nil
}

// git runs a git command in repoDir and returns trimmed output
func git(repoDir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w",
			strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}
