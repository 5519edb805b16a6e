// Package watchdog sweeps for stage jobs that went silent. A job past the
// stage deadline whose process is gone from the cluster will never signal,
// so the watchdog synthesizes the failure signal the job should have sent.
// Without it a crashed job would leave its instance running forever.
package watchdog

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/domain"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/registry"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/scheduler"
)

// SignalHandler consumes synthesized failure signals. Implemented by the
// transition controller.
type SignalHandler interface {
	HandleSignal(ctx context.Context, sig *domain.StageSignal) (*domain.SignalOutcome, error)
}

// Config tunes the watchdog
type Config struct {
	// Schedule is a cron expression, e.g. "@every 1m".
	Schedule string
	// StageDeadline is how long a job may run before it is declared stuck.
	StageDeadline time.Duration
}

// Watchdog periodically fails stuck jobs and purges expired job records
type Watchdog struct {
	store   *registry.Store
	cluster scheduler.Cluster
	handler SignalHandler
	config  Config
	cron    *cron.Cron
}

// New creates a Watchdog
func New(store *registry.Store, cluster scheduler.Cluster, handler SignalHandler, config Config) *Watchdog {
	if config.Schedule == "" {
		config.Schedule = "@every 1m"
	}
	if config.StageDeadline == 0 {
		config.StageDeadline = 30 * time.Minute
	}
	return &Watchdog{
		store:   store,
		cluster: cluster,
		handler: handler,
		config:  config,
	}
}

// Start begins the periodic sweep
func (w *Watchdog) Start() error {
	w.cron = cron.New()
	if _, err := w.cron.AddFunc(w.config.Schedule, w.Sweep); err != nil {
		return fmt.Errorf("invalid watchdog schedule %q: %w", w.config.Schedule, err)
	}
	w.cron.Start()
	log.Printf("watchdog started: schedule %s, deadline %s", w.config.Schedule, w.config.StageDeadline)
	return nil
}

// Stop halts the sweep, waiting for a running sweep to finish
func (w *Watchdog) Stop() {
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
}

// Sweep fails every overdue job whose process is gone and purges expired
// terminal job records. Safe to run concurrently across replicas: the
// synthesized signals go through the same token-guarded transition path as
// real ones, so duplicate sweeps collapse into one outcome.
func (w *Watchdog) Sweep() {
	now := time.Now()

	jobs, err := w.store.ListActiveJobsOlderThan(now.Add(-w.config.StageDeadline))
	if err != nil {
		log.Printf("watchdog: listing overdue jobs: %v", err)
		return
	}

	for _, job := range jobs {
		if w.cluster.Active(job.ID) {
			// Still executing past the deadline: cancel, then fail.
			if err := w.cluster.Cancel(job.ID); err != nil {
				log.Printf("watchdog: cancelling overdue job %s: %v", job.ID, err)
			}
		}

		reason := fmt.Sprintf("%s stage exceeded deadline of %s", job.Stage, w.config.StageDeadline)
		if _, err := w.handler.HandleSignal(context.Background(), &domain.StageSignal{
			RunID:      job.RunID,
			InstanceID: job.InstanceID,
			Stage:      job.Stage,
			Token:      job.Token,
			Failed:     true,
			Reason:     reason,
		}); err != nil {
			log.Printf("watchdog: failing job %s: %v", job.ID, err)
			continue
		}
		log.Printf("watchdog: failed stuck job %s (%s/%d %s)", job.ID, job.RunID, job.InstanceID, job.Stage)
	}

	if purged, err := w.store.PurgeExpiredJobs(now); err != nil {
		log.Printf("watchdog: purging expired jobs: %v", err)
	} else if purged > 0 {
		log.Printf("watchdog: purged %d expired job records", purged)
	}
}
