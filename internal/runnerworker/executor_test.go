package runnerworker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/jobproto"
)

func TestExecutor_RunsCommandInWorkspace(t *testing.T) {
	ws := t.TempDir()

	e := NewExecutor(ExecutorConfig{
		Command:         "echo stage=$STAGE run=$RUN_ID token=$SIGNAL_TOKEN; pwd",
		OrchestratorURL: "http://localhost:8420",
	})

	result, err := e.RunJob(context.Background(), &jobproto.JobMessage{
		JobID:         "job-1",
		RunID:         "run-1",
		InstanceID:    0,
		Stage:         "produce",
		Branch:        "instance-0",
		WorkspacePath: ws,
		Token:         "tok-1",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if !strings.Contains(result.Output, "stage=produce run=run-1 token=tok-1") {
		t.Errorf("output missing env assignment: %q", result.Output)
	}
	if !strings.Contains(result.Output, ws) {
		t.Errorf("command did not run in workspace: %q", result.Output)
	}
}

func TestExecutor_NonZeroExit(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Command: "exit 3"})

	result, err := e.RunJob(context.Background(), &jobproto.JobMessage{
		JobID:         "job-1",
		WorkspacePath: t.TempDir(),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
}

func TestExecutor_MissingWorkspace(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Command: "true"})

	_, err := e.RunJob(context.Background(), &jobproto.JobMessage{
		JobID:         "job-1",
		WorkspacePath: "/nonexistent/workspace",
	}, nil)
	if err == nil {
		t.Error("expected error for unreachable workspace")
	}
}

func TestExecutor_StreamsOutput(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Command: "echo out; echo err 1>&2"})

	var streams []string
	_, err := e.RunJob(context.Background(), &jobproto.JobMessage{
		JobID:         "job-1",
		WorkspacePath: t.TempDir(),
	}, func(stream, data string) {
		streams = append(streams, stream+":"+strings.TrimSpace(data))
	})
	if err != nil {
		t.Fatal(err)
	}

	joined := strings.Join(streams, " ")
	if !strings.Contains(joined, "stdout:out") || !strings.Contains(joined, "stderr:err") {
		t.Errorf("streams = %v", streams)
	}
}

func TestExecutor_ContextCancellation(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Command: "sleep 30"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result, err := e.RunJob(ctx, &jobproto.JobMessage{
		JobID:         "job-1",
		WorkspacePath: t.TempDir(),
	}, nil)
	if err != nil {
		// Killed process may surface as ExitError or as a start/wait error
		// depending on timing; either way the job must not report success.
		return
	}
	if result.ExitCode == 0 {
		t.Error("cancelled job reported exit code 0")
	}
}
