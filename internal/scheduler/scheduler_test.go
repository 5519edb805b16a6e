package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/domain"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/jobproto"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/registry"
)

// fakeCluster records submissions and can be made to fail
type fakeCluster struct {
	mu        sync.Mutex
	submitted []*jobproto.JobMessage
	cancelled []string
	failTimes int
}

func (f *fakeCluster) Submit(ctx context.Context, job *jobproto.JobMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTimes > 0 {
		f.failTimes--
		return errors.New("cluster unavailable")
	}
	f.submitted = append(f.submitted, job)
	return nil
}

func (f *fakeCluster) Cancel(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeCluster) Active(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.submitted {
		if job.JobID == jobID {
			return true
		}
	}
	return false
}

func newTestScheduler(t *testing.T, cluster Cluster) (*Scheduler, *registry.Store) {
	t.Helper()
	store, err := registry.New(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sched := New(store, cluster, Config{RetryDelay: time.Millisecond})
	return sched, store
}

func seedInstance(t *testing.T, store *registry.Store, runID string, instanceID int) *domain.Instance {
	t.Helper()
	run := &domain.Run{
		ID:            runID,
		Task:          "build the thing",
		InstanceCount: instanceID + 1,
		Status:        domain.RunActive,
		CreatedAt:     time.Now(),
	}
	var instances []*domain.Instance
	for i := 0; i <= instanceID; i++ {
		instances = append(instances, &domain.Instance{
			RunID:         runID,
			InstanceID:    i,
			Branch:        domain.BranchName(i),
			WorkspacePath: fmt.Sprintf("/data/run-%s/instance-%d", runID, i),
			State:         domain.StateProduceRunning,
			UpdatedAt:     time.Now(),
		})
	}
	if err := store.CreateRun(run, instances); err != nil {
		t.Fatal(err)
	}
	return instances[instanceID]
}

func TestScheduler_ScheduleSubmitsJob(t *testing.T) {
	cluster := &fakeCluster{}
	sched, store := newTestScheduler(t, cluster)
	inst := seedInstance(t, store, "r1", 0)

	job, err := sched.Schedule(context.Background(), "build the thing", inst, domain.StageProduce)
	if err != nil {
		t.Fatal(err)
	}

	if len(cluster.submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(cluster.submitted))
	}
	msg := cluster.submitted[0]
	if msg.JobID != job.ID || msg.Token != job.Token {
		t.Errorf("message %+v does not match job %+v", msg, job)
	}
	if msg.Branch != "instance-0" || msg.Stage != "produce" {
		t.Errorf("message = %+v", msg)
	}

	stored, err := store.GetJobByToken(job.Token)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.JobRunning {
		t.Errorf("job status = %s, want running", stored.Status)
	}
}

func TestScheduler_ScheduleDeduplicates(t *testing.T) {
	cluster := &fakeCluster{}
	sched, store := newTestScheduler(t, cluster)
	inst := seedInstance(t, store, "r1", 0)

	first, err := sched.Schedule(context.Background(), "task", inst, domain.StageProduce)
	if err != nil {
		t.Fatal(err)
	}
	second, err := sched.Schedule(context.Background(), "task", inst, domain.StageProduce)
	if err != nil {
		t.Fatal(err)
	}

	if first.ID != second.ID {
		t.Errorf("got different jobs %s vs %s for same stage", first.ID, second.ID)
	}
	if len(cluster.submitted) != 1 {
		t.Errorf("submitted = %d, want 1", len(cluster.submitted))
	}
}

func TestScheduler_RetriesTransientSubmitFailure(t *testing.T) {
	cluster := &fakeCluster{failTimes: 2}
	sched, store := newTestScheduler(t, cluster)
	inst := seedInstance(t, store, "r1", 0)

	job, err := sched.Schedule(context.Background(), "task", inst, domain.StageProduce)
	if err != nil {
		t.Fatal(err)
	}
	if len(cluster.submitted) != 1 {
		t.Errorf("submitted = %d, want 1 after retries", len(cluster.submitted))
	}

	stored, err := store.GetJobByToken(job.Token)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.JobRunning {
		t.Errorf("job status = %s, want running", stored.Status)
	}
}

func TestScheduler_ExhaustedRetriesFailJob(t *testing.T) {
	cluster := &fakeCluster{failTimes: 10}
	sched, store := newTestScheduler(t, cluster)
	inst := seedInstance(t, store, "r1", 0)

	_, err := sched.Schedule(context.Background(), "task", inst, domain.StageProduce)
	if !errors.Is(err, domain.ErrJobSubmissionFailed) {
		t.Fatalf("err = %v, want ErrJobSubmissionFailed", err)
	}

	jobs, err := store.ListActiveJobs("r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("active jobs = %d after exhausted retries, want 0", len(jobs))
	}
}

func TestScheduler_CancelRunJobs(t *testing.T) {
	cluster := &fakeCluster{}
	sched, store := newTestScheduler(t, cluster)
	inst := seedInstance(t, store, "r1", 0)

	job, err := sched.Schedule(context.Background(), "task", inst, domain.StageProduce)
	if err != nil {
		t.Fatal(err)
	}

	sched.CancelRunJobs("r1")

	if len(cluster.cancelled) != 1 || cluster.cancelled[0] != job.ID {
		t.Errorf("cancelled = %v, want [%s]", cluster.cancelled, job.ID)
	}
}
