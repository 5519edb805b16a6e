package domain

import "errors"

// Sentinel errors forming the orchestrator's failure taxonomy.
var (
	// ErrRunNotFound is returned when a run id has no registry record.
	ErrRunNotFound = errors.New("run not found")

	// ErrInstanceNotFound is returned when an instance id has no registry record.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInvalidTransition rejects a stale or out-of-order signal. No state changes.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrUnverifiedCompletion rejects a completion claim contradicted by
	// repository facts. The instance stays in its running state.
	ErrUnverifiedCompletion = errors.New("unverified completion")

	// ErrWorkspaceExists is returned when an instance workspace was already created.
	ErrWorkspaceExists = errors.New("workspace already exists")

	// ErrWorkspaceBusy is returned when the per-run lock could not be
	// acquired within the bounded wait. Retryable.
	ErrWorkspaceBusy = errors.New("workspace busy")

	// ErrStorageUnavailable wraps filesystem and repository storage failures. Retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrJobSubmissionFailed is returned after cluster submission retries are exhausted.
	ErrJobSubmissionFailed = errors.New("job submission failed")

	// ErrMergeConflict marks a trunk integration that needs manual attention.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrStaleState is returned when a conditional registry write lost a
	// race with another replica. The caller re-reads and replays.
	ErrStaleState = errors.New("stale state")
)

// Kind maps an error chain to its stable wire identifier, or "internal"
// for errors outside the taxonomy.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrRunNotFound):
		return "run_not_found"
	case errors.Is(err, ErrInstanceNotFound):
		return "instance_not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrUnverifiedCompletion):
		return "unverified_completion"
	case errors.Is(err, ErrWorkspaceExists):
		return "workspace_exists"
	case errors.Is(err, ErrWorkspaceBusy):
		return "workspace_busy"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrJobSubmissionFailed):
		return "job_submission_failed"
	case errors.Is(err, ErrMergeConflict):
		return "merge_conflict"
	case errors.Is(err, ErrStaleState):
		return "stale_state"
	}
	return "internal"
}
