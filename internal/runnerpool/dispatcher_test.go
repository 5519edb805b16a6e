package runnerpool

import (
	"testing"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/jobproto"
)

func TestDispatcher_SubmitQueuesWithoutRunners(t *testing.T) {
	reg := NewRegistry()
	disp := NewDispatcher(reg, nil)

	job := &jobproto.JobMessage{
		JobID: "job-1",
		RunID: "run-1",
		Stage: "produce",
	}

	if err := disp.Submit(job); err != nil {
		t.Fatal(err)
	}

	if disp.QueuedCount() != 1 {
		t.Errorf("got queued=%d, want 1", disp.QueuedCount())
	}
	if !disp.Active("job-1") {
		t.Error("job-1 should be active after submit")
	}
}

func TestDispatcher_RejectsDuplicateJobID(t *testing.T) {
	reg := NewRegistry()
	disp := NewDispatcher(reg, nil)

	job := &jobproto.JobMessage{JobID: "job-1"}
	if err := disp.Submit(job); err != nil {
		t.Fatal(err)
	}
	if err := disp.Submit(job); err == nil {
		t.Error("second submit of same job ID should fail")
	}
}

func TestDispatcher_DispatchToRunner(t *testing.T) {
	reg := NewRegistry()

	var sentJob *jobproto.JobMessage
	mockRunner := &ConnectedRunner{
		ID:      "runner-1",
		MaxJobs: 4,
		Slots:   2,
	}
	reg.Register(mockRunner)

	disp := NewDispatcher(reg, nil)
	disp.SetSendFunc(func(r *ConnectedRunner, job *jobproto.JobMessage) error {
		sentJob = job
		return nil
	})

	job := &jobproto.JobMessage{
		JobID: "job-1",
		RunID: "run-1",
		Stage: "review",
	}

	if err := disp.Submit(job); err != nil {
		t.Fatal(err)
	}
	disp.TryDispatch()

	if sentJob == nil {
		t.Fatal("job was not dispatched")
	}
	if sentJob.JobID != "job-1" {
		t.Errorf("got job ID=%s, want job-1", sentJob.JobID)
	}
	if disp.QueuedCount() != 0 {
		t.Errorf("queued=%d after dispatch, want 0", disp.QueuedCount())
	}
	if !disp.Active("job-1") {
		t.Error("dispatched job should stay pending until completion")
	}
}

func TestDispatcher_EmbeddedFallbackWhenNoRunners(t *testing.T) {
	reg := NewRegistry()

	resultCh := make(chan *jobproto.JobResult, 1)
	embedded := func(job *jobproto.JobMessage) *jobproto.JobResult {
		return &jobproto.JobResult{JobID: job.JobID, ExitCode: 0}
	}

	disp := NewDispatcher(reg, embedded)
	disp.SetResultFunc(func(result *jobproto.JobResult) {
		resultCh <- result
	})

	job := &jobproto.JobMessage{JobID: "job-1"}
	if err := disp.Submit(job); err != nil {
		t.Fatal(err)
	}
	disp.TryDispatch()

	result := <-resultCh
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if disp.Active("job-1") {
		t.Error("job should not be pending after completion")
	}
}

func TestDispatcher_Cancel(t *testing.T) {
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, nil)

	var cancelledJobs []string
	dispatcher.SetCancelFunc(func(runnerID, jobID string) error {
		cancelledJobs = append(cancelledJobs, jobID)
		return nil
	})

	job := &jobproto.JobMessage{JobID: "job-1"}
	if err := dispatcher.Submit(job); err != nil {
		t.Fatal(err)
	}

	// Simulate assignment to a runner
	dispatcher.mu.Lock()
	if pj, ok := dispatcher.pending["job-1"]; ok {
		pj.RunnerID = "runner-1"
	}
	dispatcher.mu.Unlock()

	if err := dispatcher.Cancel("job-1"); err != nil {
		t.Errorf("Cancel: %v", err)
	}

	if len(cancelledJobs) != 1 || cancelledJobs[0] != "job-1" {
		t.Errorf("cancelledJobs = %v, want [job-1]", cancelledJobs)
	}
}

func TestDispatcher_CancelQueuedJobDropsIt(t *testing.T) {
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, nil)

	job := &jobproto.JobMessage{JobID: "job-1"}
	if err := dispatcher.Submit(job); err != nil {
		t.Fatal(err)
	}

	if err := dispatcher.Cancel("job-1"); err != nil {
		t.Fatal(err)
	}
	if dispatcher.Active("job-1") {
		t.Error("cancelled queued job should not be pending")
	}
	if dispatcher.QueuedCount() != 0 {
		t.Errorf("queued=%d, want 0", dispatcher.QueuedCount())
	}
}

func TestDispatcher_RequeueRunnerJobs(t *testing.T) {
	reg := NewRegistry()
	mockRunner := &ConnectedRunner{ID: "runner-1", MaxJobs: 2, Slots: 2}
	reg.Register(mockRunner)

	disp := NewDispatcher(reg, nil)
	disp.SetSendFunc(func(r *ConnectedRunner, job *jobproto.JobMessage) error {
		return nil
	})

	job := &jobproto.JobMessage{JobID: "job-1"}
	if err := disp.Submit(job); err != nil {
		t.Fatal(err)
	}
	disp.TryDispatch()

	if disp.QueuedCount() != 0 {
		t.Fatalf("queued=%d after dispatch, want 0", disp.QueuedCount())
	}

	// Runner disconnects before the job finished
	reg.Unregister("runner-1")
	disp.RequeueRunnerJobs("runner-1")

	if disp.QueuedCount() != 1 {
		t.Errorf("queued=%d after requeue, want 1", disp.QueuedCount())
	}
	if !disp.Active("job-1") {
		t.Error("requeued job should still be pending")
	}
}
