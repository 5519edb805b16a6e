// Package runnerworker provides stage job execution for runner agents.
// A runner receives a stage job over WebSocket, runs the configured stage
// command inside the instance's workspace, and reports process completion
// back to the coordinator. The stage outcome itself is reported by the
// stage command through the orchestrator's signal endpoint.
package runnerworker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/jobproto"
)

// OutputCallback is called for each line of output
type OutputCallback func(stream, data string)

// ExecutorConfig configures the stage executor
type ExecutorConfig struct {
	// Command is the shell command run for every stage. It reads its
	// assignment from the environment: RUN_ID, INSTANCE_ID, STAGE, BRANCH,
	// WORKSPACE_PATH, SIGNAL_TOKEN, ORCHESTRATOR_URL and TASK.
	Command string

	// OrchestratorURL is exported to the stage command so it can post its
	// completion signal.
	OrchestratorURL string

	Debug bool
}

// Executor runs stage jobs inside instance workspaces. The workspace path
// in the job must be reachable from the runner host, so runners share the
// orchestrator's data directory (same host or a shared mount).
type Executor struct {
	config ExecutorConfig
}

// NewExecutor creates a new stage executor
func NewExecutor(config ExecutorConfig) *Executor {
	return &Executor{config: config}
}

// RunJob executes a stage job and returns the process result
func (e *Executor) RunJob(ctx context.Context, job *jobproto.JobMessage, onOutput OutputCallback) (*jobproto.JobResult, error) {
	start := time.Now()

	if e.config.Debug {
		log.Printf("[executor] starting job %s: run=%s instance=%d stage=%s workspace=%s",
			job.JobID, job.RunID, job.InstanceID, job.Stage, job.WorkspacePath)
	}

	if job.WorkspacePath == "" {
		return nil, fmt.Errorf("job %s has no workspace path", job.JobID)
	}
	if _, err := os.Stat(job.WorkspacePath); err != nil {
		return nil, fmt.Errorf("workspace %s not reachable: %w", job.WorkspacePath, err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", e.config.Command)
	cmd.Dir = job.WorkspacePath
	cmd.Env = append(os.Environ(),
		"RUN_ID="+job.RunID,
		"INSTANCE_ID="+strconv.Itoa(job.InstanceID),
		"STAGE="+job.Stage,
		"BRANCH="+job.Branch,
		"WORKSPACE_PATH="+job.WorkspacePath,
		"SIGNAL_TOKEN="+job.Token,
		"ORCHESTRATOR_URL="+e.config.OrchestratorURL,
		"TASK="+job.Task,
	)

	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()

	var stdoutBuf, stderrBuf strings.Builder

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting stage command: %w", err)
	}
	if e.config.Debug {
		log.Printf("[executor] stage command started with PID %d", cmd.Process.Pid)
	}

	done := make(chan struct{})
	go func() {
		e.streamOutput(stdout, "stdout", &stdoutBuf, onOutput)
		done <- struct{}{}
	}()
	go func() {
		e.streamOutput(stderr, "stderr", &stderrBuf, onOutput)
		done <- struct{}{}
	}()

	<-done
	<-done

	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("stage command failed: %w", err)
		}
	}

	duration := time.Since(start)
	if e.config.Debug {
		log.Printf("[executor] job %s finished in %.2fs with exit code %d",
			job.JobID, duration.Seconds(), exitCode)
	}

	return &jobproto.JobResult{
		JobID:        job.JobID,
		ExitCode:     exitCode,
		Output:       stdoutBuf.String() + stderrBuf.String(),
		DurationSecs: duration.Seconds(),
	}, nil
}

func (e *Executor) streamOutput(r io.Reader, stream string, output *strings.Builder, callback OutputCallback) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		output.WriteString(line)
		if callback != nil {
			callback(stream, line)
		}
	}
}
