// Package controller implements the transition controller: the stateless
// state machine that validates stage signals against repository ground
// truth and advances instances through the registry's conditional writes.
// Any number of replicas can run it concurrently; every decision of record
// happens inside a single registry transaction.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/domain"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/jobproto"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/notify"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/reconciler"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/registry"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/scheduler"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/workspace"
)

// VerdictRejected is the review verdict that fails an instance instead of
// sending it to integration.
const VerdictRejected = "rejected"

// Controller validates signals and drives the pipeline state machine
type Controller struct {
	store      *registry.Store
	workspaces *workspace.Manager
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler
	notifier   notify.Notifier
	events     EventSink
}

// New creates a Controller. Notifier and events may be nil.
func New(store *registry.Store, workspaces *workspace.Manager, sched *scheduler.Scheduler, rec *reconciler.Reconciler, notifier notify.Notifier, events EventSink) *Controller {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if events == nil {
		events = noopSink{}
	}
	return &Controller{
		store:      store,
		workspaces: workspaces,
		scheduler:  sched,
		reconciler: rec,
		notifier:   notifier,
		events:     events,
	}
}

// SetEventSink replaces the event sink. Used at startup when the sink
// (the SSE hub) is constructed after the controller.
func (c *Controller) SetEventSink(events EventSink) {
	if events == nil {
		events = noopSink{}
	}
	c.events = events
}

// RunView is a run together with its instances
type RunView struct {
	Run       *domain.Run
	Instances []*domain.Instance
}

// CreateRun provisions the run repository, N isolated workspaces and N
// produce jobs. Workspace creation fans out; the per-run lock serializes
// the underlying git mutations.
func (c *Controller) CreateRun(ctx context.Context, task string, instanceCount int) (*RunView, error) {
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("task must not be empty")
	}
	if instanceCount < 1 {
		return nil, fmt.Errorf("instance count must be at least 1, got %d", instanceCount)
	}

	runID := uuid.NewString()
	if err := c.workspaces.InitRun(runID); err != nil {
		return nil, err
	}

	now := time.Now()
	instances := make([]*domain.Instance, instanceCount)

	var g errgroup.Group
	for i := 0; i < instanceCount; i++ {
		g.Go(func() error {
			wsPath, err := c.workspaces.CreateInstanceWorkspace(runID, i)
			if err != nil {
				return err
			}
			instances[i] = &domain.Instance{
				RunID:         runID,
				InstanceID:    i,
				Branch:        domain.BranchName(i),
				WorkspacePath: wsPath,
				State:         domain.StateProduceRunning,
				UpdatedAt:     now,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	run := &domain.Run{
		ID:            runID,
		Task:          task,
		InstanceCount: instanceCount,
		Status:        domain.RunActive,
		CreatedAt:     now,
	}
	if err := c.store.CreateRun(run, instances); err != nil {
		return nil, fmt.Errorf("%w: persisting run: %v", domain.ErrStorageUnavailable, err)
	}

	c.events.Publish(Event{Type: EventRunCreated, RunID: runID, Status: string(run.Status), Time: time.Now()})
	log.Printf("run %s created: %d instances", runID, instanceCount)

	for _, inst := range instances {
		if job, err := c.scheduler.Schedule(ctx, task, inst, domain.StageProduce); err != nil {
			log.Printf("scheduling produce for %s/%d: %v", runID, inst.InstanceID, err)
			if job != nil {
				c.failInstance(inst, job, "produce job submission failed")
			}
		}
	}

	return &RunView{Run: run, Instances: instances}, nil
}

// HandleSignal validates one stage signal and applies the resulting
// transition. Replayed tokens return the recorded outcome unchanged.
func (c *Controller) HandleSignal(ctx context.Context, sig *domain.StageSignal) (*domain.SignalOutcome, error) {
	if _, err := domain.ParseStage(string(sig.Stage)); err != nil {
		return nil, err
	}

	// Consumed token: idempotent replay, no validation, no state change.
	if outcome, ok, err := c.store.GetOutcome(sig.Token); err != nil {
		return nil, fmt.Errorf("%w: reading outcome ledger: %v", domain.ErrStorageUnavailable, err)
	} else if ok {
		return outcome, nil
	}

	if _, err := c.store.GetRun(sig.RunID); err != nil {
		return nil, err
	}
	inst, err := c.store.GetInstance(sig.RunID, sig.InstanceID)
	if err != nil {
		return nil, err
	}

	// The token must have been minted for exactly this (instance, stage).
	job, err := c.store.GetJobByToken(sig.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: looking up token: %v", domain.ErrStorageUnavailable, err)
	}
	if job == nil || job.RunID != sig.RunID || job.InstanceID != sig.InstanceID || job.Stage != sig.Stage {
		return nil, fmt.Errorf("%w: token was not issued for %s/%d stage %s",
			domain.ErrUnverifiedCompletion, sig.RunID, sig.InstanceID, sig.Stage)
	}
	if sig.Branch != "" && sig.Branch != inst.Branch {
		return nil, fmt.Errorf("%w: branch %q does not match instance branch %q",
			domain.ErrUnverifiedCompletion, sig.Branch, inst.Branch)
	}
	if sig.WorkspacePath != "" && sig.WorkspacePath != inst.WorkspacePath {
		return nil, fmt.Errorf("%w: workspace %q does not match instance workspace %q",
			domain.ErrUnverifiedCompletion, sig.WorkspacePath, inst.WorkspacePath)
	}

	current, running := inst.State.RunningStage()
	if !running {
		return nil, fmt.Errorf("%w: instance %s/%d already terminal in state %s",
			domain.ErrInvalidTransition, sig.RunID, sig.InstanceID, inst.State)
	}
	if current != sig.Stage {
		return nil, fmt.Errorf("%w: instance %s/%d is running %s, signal claims %s",
			domain.ErrInvalidTransition, sig.RunID, sig.InstanceID, current, sig.Stage)
	}

	if sig.Failed {
		reason := sig.Reason
		if reason == "" {
			reason = fmt.Sprintf("%s stage reported failure", sig.Stage)
		}
		return c.apply(ctx, inst, registry.Advance{
			RunID:         sig.RunID,
			InstanceID:    sig.InstanceID,
			Stage:         sig.Stage,
			Token:         sig.Token,
			FromState:     inst.State,
			ToState:       domain.StateFailed,
			Result:        domain.ResultFailed,
			FailureReason: reason,
		})
	}

	switch sig.Stage {
	case domain.StageProduce:
		return c.completeProduce(ctx, inst, sig)
	case domain.StageReview:
		return c.completeReview(ctx, inst, sig)
	default:
		return c.completeIntegrate(ctx, inst, sig)
	}
}

// completeProduce verifies the branch advanced and moves to review
func (c *Controller) completeProduce(ctx context.Context, inst *domain.Instance, sig *domain.StageSignal) (*domain.SignalOutcome, error) {
	facts, err := c.workspaces.Inspect(sig.RunID, sig.InstanceID)
	if err != nil {
		return nil, err
	}
	if !facts.BranchAdvanced {
		return nil, fmt.Errorf("%w: branch %s has no commits beyond trunk",
			domain.ErrUnverifiedCompletion, inst.Branch)
	}

	return c.apply(ctx, inst, registry.Advance{
		RunID:      sig.RunID,
		InstanceID: sig.InstanceID,
		Stage:      sig.Stage,
		Token:      sig.Token,
		FromState:  domain.StateProduceRunning,
		ToState:    domain.StateReviewRunning,
		NextJob:    c.scheduler.NewJob(sig.RunID, sig.InstanceID, domain.StageReview),
	})
}

// completeReview verifies the review artifact exists, records the verdict
// and either fails the instance or moves it to integration
func (c *Controller) completeReview(ctx context.Context, inst *domain.Instance, sig *domain.StageSignal) (*domain.SignalOutcome, error) {
	facts, err := c.workspaces.Inspect(sig.RunID, sig.InstanceID)
	if err != nil {
		return nil, err
	}
	if !facts.ArtifactPresent {
		return nil, fmt.Errorf("%w: no %s committed on branch %s",
			domain.ErrUnverifiedCompletion, workspace.ReviewArtifactName, inst.Branch)
	}

	verdict := ""
	if artifact, err := c.workspaces.ReadReviewArtifact(sig.RunID, sig.InstanceID); err != nil {
		return nil, err
	} else if artifact != nil {
		verdict = artifact.Verdict
	}

	if verdict == VerdictRejected {
		return c.apply(ctx, inst, registry.Advance{
			RunID:         sig.RunID,
			InstanceID:    sig.InstanceID,
			Stage:         sig.Stage,
			Token:         sig.Token,
			FromState:     domain.StateReviewRunning,
			ToState:       domain.StateFailed,
			Result:        domain.ResultFailed,
			FailureReason: "review rejected the produced work",
			ReviewVerdict: verdict,
		})
	}

	return c.apply(ctx, inst, registry.Advance{
		RunID:         sig.RunID,
		InstanceID:    sig.InstanceID,
		Stage:         sig.Stage,
		Token:         sig.Token,
		FromState:     domain.StateReviewRunning,
		ToState:       domain.StateIntegrateRunning,
		ReviewVerdict: verdict,
		NextJob:       c.scheduler.NewJob(sig.RunID, sig.InstanceID, domain.StageIntegrate),
	})
}

// completeIntegrate runs the merge reconciler; its outcome decides merged
// versus failed_needs_manual
func (c *Controller) completeIntegrate(ctx context.Context, inst *domain.Instance, sig *domain.StageSignal) (*domain.SignalOutcome, error) {
	result, err := c.reconciler.Integrate(sig.RunID, sig.InstanceID)
	if err != nil {
		return nil, err
	}

	if !result.Merged {
		return c.apply(ctx, inst, registry.Advance{
			RunID:         sig.RunID,
			InstanceID:    sig.InstanceID,
			Stage:         sig.Stage,
			Token:         sig.Token,
			FromState:     domain.StateIntegrateRunning,
			ToState:       domain.StateFailedManual,
			Result:        domain.ResultFailedManual,
			FailureReason: fmt.Sprintf("%v: %d conflicting paths", domain.ErrMergeConflict, len(result.ConflictPaths)),
			ConflictPaths: result.ConflictPaths,
		})
	}

	return c.apply(ctx, inst, registry.Advance{
		RunID:      sig.RunID,
		InstanceID: sig.InstanceID,
		Stage:      sig.Stage,
		Token:      sig.Token,
		FromState:  domain.StateIntegrateRunning,
		ToState:    domain.StateMerged,
		Result:     domain.ResultMerged,
	})
}

// apply commits an Advance, dispatches the follow-up job and fans out
// events. A lost race returns the recorded outcome when this exact token
// won elsewhere, ErrStaleState otherwise.
func (c *Controller) apply(ctx context.Context, inst *domain.Instance, adv registry.Advance) (*domain.SignalOutcome, error) {
	finalized, runStatus, err := c.store.Apply(adv)
	if err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			if outcome, ok, lookupErr := c.store.GetOutcome(adv.Token); lookupErr == nil && ok {
				return outcome, nil
			}
		}
		return nil, err
	}

	c.events.Publish(Event{
		Type:       EventTransition,
		RunID:      adv.RunID,
		InstanceID: &adv.InstanceID,
		State:      string(adv.ToState),
		Time:       time.Now(),
	})
	log.Printf("instance %s/%d: %s -> %s", adv.RunID, adv.InstanceID, adv.FromState, adv.ToState)

	if adv.NextJob != nil {
		run, err := c.store.GetRun(adv.RunID)
		if err != nil {
			return nil, err
		}
		next := *inst
		next.State = adv.ToState
		if err := c.scheduler.Dispatch(ctx, adv.NextJob, run.Task, &next); err != nil {
			log.Printf("dispatching %s job for %s/%d: %v", adv.NextJob.Stage, adv.RunID, adv.InstanceID, err)
			c.failInstance(&next, adv.NextJob, fmt.Sprintf("%s job submission failed", adv.NextJob.Stage))
		}
	}

	if finalized {
		c.finishRun(adv.RunID, runStatus)
	}

	return &domain.SignalOutcome{Token: adv.Token, Accepted: true, NewState: adv.ToState}, nil
}

// failInstance settles an instance whose stage job could not be submitted,
// consuming the failed job's token so a late duplicate cannot resurrect it
func (c *Controller) failInstance(inst *domain.Instance, job *domain.Job, reason string) {
	finalized, runStatus, err := c.store.Apply(registry.Advance{
		RunID:         inst.RunID,
		InstanceID:    inst.InstanceID,
		Stage:         job.Stage,
		Token:         job.Token,
		FromState:     inst.State,
		ToState:       domain.StateFailed,
		Result:        domain.ResultFailed,
		FailureReason: reason,
	})
	if err != nil {
		log.Printf("failing instance %s/%d: %v", inst.RunID, inst.InstanceID, err)
		return
	}

	c.events.Publish(Event{
		Type:       EventTransition,
		RunID:      inst.RunID,
		InstanceID: &inst.InstanceID,
		State:      string(domain.StateFailed),
		Time:       time.Now(),
	})
	if finalized {
		c.finishRun(inst.RunID, runStatus)
	}
}

// HandleJobResult reacts to a stage job's process finishing. A non-zero
// exit without a prior signal becomes a synthesized failure signal; a clean
// exit is ignored because completion is only ever claimed through the
// signal endpoint.
func (c *Controller) HandleJobResult(result *jobproto.JobResult) {
	if result.ExitCode == 0 {
		return
	}

	job, err := c.store.GetJob(result.JobID)
	if err != nil {
		log.Printf("looking up job %s: %v", result.JobID, err)
		return
	}
	if job == nil || job.Status.Terminal() {
		return
	}

	reason := fmt.Sprintf("%s process exited with code %d", job.Stage, result.ExitCode)
	if tail := outputTail(result.Output, 500); tail != "" {
		reason += ": " + tail
	}

	if _, err := c.HandleSignal(context.Background(), &domain.StageSignal{
		RunID:      job.RunID,
		InstanceID: job.InstanceID,
		Stage:      job.Stage,
		Token:      job.Token,
		Failed:     true,
		Reason:     reason,
	}); err != nil {
		log.Printf("synthesized failure for job %s: %v", result.JobID, err)
	}
}

// AbortRun cancels every active job and fails every non-terminal instance
func (c *Controller) AbortRun(runID, reason string) error {
	if reason == "" {
		reason = "run aborted"
	}
	c.scheduler.CancelRunJobs(runID)
	if err := c.store.AbortRun(runID, reason); err != nil {
		return err
	}
	c.finishRun(runID, domain.RunPartialFailure)
	return nil
}

// ArchiveRun stamps a terminal run archived and reclaims its workspaces
func (c *Controller) ArchiveRun(runID string) error {
	run, err := c.store.GetRun(runID)
	if err != nil {
		return err
	}
	if err := c.store.ArchiveRun(runID); err != nil {
		return err
	}
	if err := c.workspaces.Reclaim(runID, run.InstanceCount); err != nil {
		log.Printf("reclaiming workspaces for %s: %v", runID, err)
	}
	c.events.Publish(Event{Type: EventRunArchived, RunID: runID, Time: time.Now()})
	return nil
}

// GetRun returns a run with its instances
func (c *Controller) GetRun(runID string) (*RunView, error) {
	run, err := c.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	instances, err := c.store.ListInstances(runID)
	if err != nil {
		return nil, err
	}
	return &RunView{Run: run, Instances: instances}, nil
}

// ListRuns returns all runs, newest first
func (c *Controller) ListRuns() ([]*domain.Run, error) {
	return c.store.ListRuns()
}

func (c *Controller) finishRun(runID string, status domain.RunStatus) {
	c.events.Publish(Event{Type: EventRunFinished, RunID: runID, Status: string(status), Time: time.Now()})
	log.Printf("run %s finished: %s", runID, status)

	notifType := notify.NotifySuccess
	title := "Run complete"
	if status != domain.RunComplete {
		notifType = notify.NotifyWarning
		title = "Run finished with failures"
	}
	if err := c.notifier.Send(notify.Notification{
		Title:   title,
		Message: fmt.Sprintf("run %s: %s", runID, status),
		Type:    notifType,
		RunID:   runID,
	}); err != nil {
		log.Printf("sending notification for %s: %v", runID, err)
	}
}

func outputTail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
