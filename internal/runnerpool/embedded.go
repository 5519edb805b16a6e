package runnerpool

import (
	"context"
	"time"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/jobproto"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/runnerworker"
)

// EmbeddedConfig configures the embedded runner
type EmbeddedConfig struct {
	StageCommand    string
	OrchestratorURL string
	MaxJobs         int
}

// EmbeddedRunner runs stage jobs in-process when no runner agents are connected
type EmbeddedRunner struct {
	executor *runnerworker.Executor
	pool     *runnerworker.Pool
}

// NewEmbeddedRunner creates a new embedded runner
func NewEmbeddedRunner(config EmbeddedConfig) *EmbeddedRunner {
	return &EmbeddedRunner{
		executor: runnerworker.NewExecutor(runnerworker.ExecutorConfig{
			Command:         config.StageCommand,
			OrchestratorURL: config.OrchestratorURL,
		}),
		pool: runnerworker.NewPool(config.MaxJobs),
	}
}

// Run executes a stage job and returns the process result
func (e *EmbeddedRunner) Run(job *jobproto.JobMessage) *jobproto.JobResult {
	if !e.pool.Acquire() {
		return &jobproto.JobResult{
			JobID:    job.JobID,
			ExitCode: 1,
			Output:   "embedded runner: no slots available",
		}
	}
	defer e.pool.Release()

	timeout := time.Duration(job.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Minute
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := e.executor.RunJob(ctx, job, nil) // No streaming for embedded runner
	if err != nil {
		return &jobproto.JobResult{
			JobID:    job.JobID,
			ExitCode: -1,
			Output:   "embedded runner error: " + err.Error(),
		}
	}
	return result
}
