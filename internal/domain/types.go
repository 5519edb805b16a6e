// Package domain defines the core types shared across the orchestrator:
// runs, pipeline instances, stage jobs and the signals that drive the
// state machine.
package domain

import "fmt"

// Stage identifies one of the three pipeline stages
type Stage string

const (
	StageProduce   Stage = "produce"
	StageReview    Stage = "review"
	StageIntegrate Stage = "integrate"
)

// ParseStage validates a stage string from the wire
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageProduce, StageReview, StageIntegrate:
		return Stage(s), nil
	}
	return "", fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, s)
}

// InstanceState is the per-instance position in the pipeline state machine
type InstanceState string

const (
	StateProduceRunning   InstanceState = "produce_running"
	StateReviewRunning    InstanceState = "review_running"
	StateIntegrateRunning InstanceState = "integrate_running"
	StateMerged           InstanceState = "merged"
	StateFailed           InstanceState = "failed"
	StateFailedManual     InstanceState = "failed_needs_manual"
)

// Terminal reports whether the state admits no further transitions
func (s InstanceState) Terminal() bool {
	switch s {
	case StateMerged, StateFailed, StateFailedManual:
		return true
	}
	return false
}

// RunningStage maps a running state to the stage it is executing.
// Returns false for terminal states.
func (s InstanceState) RunningStage() (Stage, bool) {
	switch s {
	case StateProduceRunning:
		return StageProduce, true
	case StateReviewRunning:
		return StageReview, true
	case StateIntegrateRunning:
		return StageIntegrate, true
	}
	return "", false
}

// NextStage returns the stage scheduled after the given one completes.
// Integrate has no successor; its completion is settled by the reconciler.
func NextStage(stage Stage) (Stage, bool) {
	switch stage {
	case StageProduce:
		return StageReview, true
	case StageReview:
		return StageIntegrate, true
	}
	return "", false
}

// RunningState returns the instance state in which the given stage executes
func RunningState(stage Stage) InstanceState {
	switch stage {
	case StageReview:
		return StateReviewRunning
	case StageIntegrate:
		return StateIntegrateRunning
	default:
		return StateProduceRunning
	}
}

// RunStatus is the overall status of a run
type RunStatus string

const (
	RunActive         RunStatus = "active"
	RunComplete       RunStatus = "complete"
	RunPartialFailure RunStatus = "partial_failure"
)

// InstanceResult records the terminal outcome of an instance
type InstanceResult string

const (
	ResultMerged       InstanceResult = "merged"
	ResultFailed       InstanceResult = "failed"
	ResultFailedManual InstanceResult = "failed_needs_manual"
)

// JobStatus tracks an ephemeral compute job through the cluster
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// TerminalJob reports whether the job status is terminal
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDone, JobFailed, JobCancelled:
		return true
	}
	return false
}
