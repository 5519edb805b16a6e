// Package scheduler creates stage jobs and hands them to the cluster. The
// registry row is the authoritative job record; the cluster only executes.
// Submissions are retried with backoff and a job whose submission cannot be
// completed is marked failed rather than left dangling.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/domain"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/jobproto"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/registry"
)

// Cluster executes stage jobs. Implemented by the runner pool coordinator;
// tests substitute fakes.
type Cluster interface {
	Submit(ctx context.Context, job *jobproto.JobMessage) error
	Cancel(jobID string) error
	Active(jobID string) bool
}

// Config tunes job creation and submission
type Config struct {
	JobTTLSeconds       int
	StageTimeoutSeconds int
	MaxSubmitAttempts   int
	RetryDelay          time.Duration
}

// Scheduler creates registry job records and submits them to the cluster
type Scheduler struct {
	store   *registry.Store
	cluster Cluster
	config  Config
}

// New creates a Scheduler
func New(store *registry.Store, cluster Cluster, config Config) *Scheduler {
	if config.JobTTLSeconds == 0 {
		config.JobTTLSeconds = 3600
	}
	if config.MaxSubmitAttempts == 0 {
		config.MaxSubmitAttempts = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	return &Scheduler{store: store, cluster: cluster, config: config}
}

// MintToken returns a fresh single-use idempotency token
func (s *Scheduler) MintToken() string {
	return uuid.NewString()
}

// NewJob builds a pending job record for one stage of an instance
func (s *Scheduler) NewJob(runID string, instanceID int, stage domain.Stage) *domain.Job {
	return &domain.Job{
		ID:         uuid.NewString(),
		RunID:      runID,
		InstanceID: instanceID,
		Stage:      stage,
		Status:     domain.JobPending,
		Token:      s.MintToken(),
		CreatedAt:  time.Now(),
		TTLSeconds: s.config.JobTTLSeconds,
	}
}

// Schedule ensures a job record exists for the stage and submits it to the
// cluster. When a non-terminal job for the same (instance, stage) already
// exists it is reused instead of creating a duplicate, so retried calls
// cannot launch the same stage twice.
func (s *Scheduler) Schedule(ctx context.Context, task string, inst *domain.Instance, stage domain.Stage) (*domain.Job, error) {
	job, created, err := s.store.EnsureJob(s.NewJob(inst.RunID, inst.InstanceID, stage))
	if err != nil {
		return nil, fmt.Errorf("%w: persisting job: %v", domain.ErrStorageUnavailable, err)
	}
	if !created && s.cluster.Active(job.ID) {
		// Already submitted and still known to the cluster.
		return job, nil
	}

	if err := s.Dispatch(ctx, job, task, inst); err != nil {
		// The job record exists and is marked failed; hand it back so the
		// caller can settle the instance with its token.
		return job, err
	}
	return job, nil
}

// Dispatch submits an existing job record to the cluster with retries.
// Exhausting the attempts marks the job failed and returns
// ErrJobSubmissionFailed; the instance transition is left to the caller.
func (s *Scheduler) Dispatch(ctx context.Context, job *domain.Job, task string, inst *domain.Instance) error {
	msg := &jobproto.JobMessage{
		JobID:         job.ID,
		RunID:         job.RunID,
		InstanceID:    job.InstanceID,
		Stage:         string(job.Stage),
		Branch:        inst.Branch,
		WorkspacePath: inst.WorkspacePath,
		Token:         job.Token,
		Task:          task,
		Timeout:       s.config.StageTimeoutSeconds,
	}

	var lastErr error
	delay := s.config.RetryDelay
	for attempt := 0; attempt < s.config.MaxSubmitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return s.failJob(job.ID, ctx.Err())
			case <-time.After(delay):
				delay *= 2
			}
		}

		if err := s.cluster.Submit(ctx, msg); err != nil {
			lastErr = err
			log.Printf("submit job %s (attempt %d/%d) failed: %v",
				job.ID, attempt+1, s.config.MaxSubmitAttempts, err)
			continue
		}

		if err := s.store.UpdateJobStatus(job.ID, domain.JobRunning); err != nil {
			return fmt.Errorf("%w: marking job running: %v", domain.ErrStorageUnavailable, err)
		}
		return nil
	}

	return s.failJob(job.ID, lastErr)
}

func (s *Scheduler) failJob(jobID string, cause error) error {
	if err := s.store.UpdateJobStatus(jobID, domain.JobFailed); err != nil {
		log.Printf("marking job %s failed: %v", jobID, err)
	}
	return fmt.Errorf("%w: job %s: %v", domain.ErrJobSubmissionFailed, jobID, cause)
}

// CancelRunJobs asks the cluster to stop every active job of a run. The
// registry rows are settled separately by AbortRun.
func (s *Scheduler) CancelRunJobs(runID string) {
	jobs, err := s.store.ListActiveJobs(runID)
	if err != nil {
		log.Printf("listing active jobs for %s: %v", runID, err)
		return
	}
	for _, job := range jobs {
		if err := s.cluster.Cancel(job.ID); err != nil {
			log.Printf("cancelling job %s: %v", job.ID, err)
		}
	}
}

// JobActive reports whether the cluster still knows the job
func (s *Scheduler) JobActive(jobID string) bool {
	return s.cluster.Active(jobID)
}
