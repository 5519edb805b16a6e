package runnerpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/jobproto"
)

// PendingJob tracks a stage job waiting for dispatch or completion
type PendingJob struct {
	Job        *jobproto.JobMessage
	RunnerID   string // Assigned runner (empty if queued)
	EnqueuedAt time.Time
}

// SendFunc sends a job to a runner
type SendFunc func(r *ConnectedRunner, job *jobproto.JobMessage) error

// CancelFunc asks a runner to cancel an assigned job
type CancelFunc func(runnerID, jobID string) error

// EmbeddedRunFunc runs a job on the embedded runner
type EmbeddedRunFunc func(job *jobproto.JobMessage) *jobproto.JobResult

// ResultFunc is invoked when a job's process finishes. The stage outcome
// itself travels out of band through the signal endpoint; this callback
// exists so the orchestrator can fail jobs whose process died before it
// could signal.
type ResultFunc func(result *jobproto.JobResult)

// Dispatcher manages the stage job queue and runner assignment. Jobs are
// fire-and-forget: Submit enqueues and returns, and the job stays pending
// until its process completes or it is cancelled.
type Dispatcher struct {
	registry *Registry
	embedded EmbeddedRunFunc
	sendFunc SendFunc
	cancel   CancelFunc
	onResult ResultFunc

	queue   []*PendingJob
	pending map[string]*PendingJob // jobID -> pending job
	mu      sync.Mutex
}

// NewDispatcher creates a new job dispatcher
func NewDispatcher(registry *Registry, embedded EmbeddedRunFunc) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		embedded: embedded,
		pending:  make(map[string]*PendingJob),
	}
}

// SetSendFunc sets the function used to send jobs to runners
func (d *Dispatcher) SetSendFunc(fn SendFunc) {
	d.sendFunc = fn
}

// SetCancelFunc sets the function used to cancel assigned jobs
func (d *Dispatcher) SetCancelFunc(fn CancelFunc) {
	d.cancel = fn
}

// SetResultFunc sets the callback invoked on process completion
func (d *Dispatcher) SetResultFunc(fn ResultFunc) {
	d.onResult = fn
}

// Submit enqueues a job for dispatch. Duplicate job IDs are rejected so a
// retried submission cannot run the same stage twice.
func (d *Dispatcher) Submit(job *jobproto.JobMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.pending[job.JobID]; exists {
		return fmt.Errorf("job %s already pending", job.JobID)
	}

	pj := &PendingJob{
		Job:        job,
		EnqueuedAt: time.Now(),
	}
	d.queue = append(d.queue, pj)
	d.pending[job.JobID] = pj
	return nil
}

// TryDispatch attempts to dispatch queued jobs to available runners
func (d *Dispatcher) TryDispatch() {
	d.mu.Lock()
	defer d.mu.Unlock()

	var remaining []*PendingJob

	for _, pj := range d.queue {
		runner := d.registry.FindReady()

		if runner != nil && d.sendFunc != nil {
			runner.DecrementSlots()
			pj.RunnerID = runner.ID

			if err := d.sendFunc(runner, pj.Job); err != nil {
				// Send failed, keep in queue
				pj.RunnerID = ""
				remaining = append(remaining, pj)
				continue
			}
		} else if d.embedded != nil && d.registry.Count() == 0 {
			// No runners connected, use the embedded fallback
			go func(pj *PendingJob) {
				result := d.embedded(pj.Job)
				d.Complete(pj.Job.JobID, result)
			}(pj)
		} else {
			// No available runners, keep in queue
			remaining = append(remaining, pj)
		}
	}

	d.queue = remaining
}

// Complete settles a pending job and reports its process result
func (d *Dispatcher) Complete(jobID string, result *jobproto.JobResult) {
	d.mu.Lock()
	_, ok := d.pending[jobID]
	if ok {
		delete(d.pending, jobID)
	}
	onResult := d.onResult
	d.mu.Unlock()

	if ok && onResult != nil {
		onResult(result)
	}
}

// Cancel removes a queued job or asks its runner to abort it. Unknown job
// IDs are a no-op: the job already completed or was never submitted.
func (d *Dispatcher) Cancel(jobID string) error {
	d.mu.Lock()
	pj, ok := d.pending[jobID]
	if !ok {
		d.mu.Unlock()
		return nil
	}

	if pj.RunnerID == "" {
		// Still queued, drop it
		delete(d.pending, jobID)
		for i, queued := range d.queue {
			if queued.Job.JobID == jobID {
				d.queue = append(d.queue[:i], d.queue[i+1:]...)
				break
			}
		}
		d.mu.Unlock()
		return nil
	}

	runnerID := pj.RunnerID
	cancel := d.cancel
	d.mu.Unlock()

	if cancel == nil {
		return fmt.Errorf("no cancel function configured")
	}
	return cancel(runnerID, jobID)
}

// RequeueRunnerJobs returns jobs assigned to a disconnected runner to the queue
func (d *Dispatcher) RequeueRunnerJobs(runnerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, pj := range d.pending {
		if pj.RunnerID != runnerID {
			continue
		}
		pj.RunnerID = ""
		d.queue = append(d.queue, pj)
	}
}

// Active reports whether a job is still queued or assigned
func (d *Dispatcher) Active(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[jobID]
	return ok
}

// QueuedCount returns the number of jobs waiting for a runner
func (d *Dispatcher) QueuedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// PendingCount returns the number of pending jobs (queued + in-progress)
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
