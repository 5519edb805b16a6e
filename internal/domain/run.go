package domain

import (
	"fmt"
	"time"
)

// Run is one end-to-end request spanning N parallel pipeline instances
type Run struct {
	ID            string
	Task          string
	InstanceCount int
	Status        RunStatus
	CreatedAt     time.Time
	ArchivedAt    *time.Time
}

// Instance is one produce/review/integrate pipeline on its own branch
type Instance struct {
	RunID         string
	InstanceID    int
	Branch        string
	WorkspacePath string
	State         InstanceState
	Result        InstanceResult
	FailureReason string
	ConflictPaths []string
	ReviewVerdict string
	UpdatedAt     time.Time
}

// Job is an ephemeral compute unit bound to one (instance, stage) pair
type Job struct {
	ID         string
	RunID      string
	InstanceID int
	Stage      Stage
	Status     JobStatus
	Token      string
	CreatedAt  time.Time
	FinishedAt *time.Time
	TTLSeconds int
}

// BranchName returns the deterministic branch for an instance id
func BranchName(instanceID int) string {
	return fmt.Sprintf("instance-%d", instanceID)
}
