package runnerworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/jobproto"
)

// Backoff constants for reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// RunnerConfig configures the runner client
type RunnerConfig struct {
	ServerURL       string
	RunnerID        string
	MaxJobs         int
	StageCommand    string
	OrchestratorURL string
	Debug           bool
}

// Validate checks the config is valid
func (c *RunnerConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.MaxJobs <= 0 {
		return fmt.Errorf("max_jobs must be positive")
	}
	if c.StageCommand == "" {
		return fmt.Errorf("stage_command is required")
	}
	return nil
}

// Runner is a stage-execution agent that connects to the orchestrator
type Runner struct {
	config   RunnerConfig
	pool     *Pool
	executor *Executor
	conn     *websocket.Conn
	mu       sync.Mutex

	// For graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc

	// Job tracking for cancellation
	jobsMu sync.Mutex
	jobs   map[string]context.CancelFunc
}

// NewRunner creates a new runner client
func NewRunner(config RunnerConfig) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		config: config,
		pool:   NewPool(config.MaxJobs),
		executor: NewExecutor(ExecutorConfig{
			Command:         config.StageCommand,
			OrchestratorURL: config.OrchestratorURL,
			Debug:           config.Debug,
		}),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]context.CancelFunc),
	}, nil
}

// pingWait is how long we wait for a ping from the coordinator before timing out
const pingWait = 90 * time.Second

// writeWait is time allowed to write a control message
const writeWait = 10 * time.Second

// Connect establishes connection to the coordinator
func (r *Runner) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(r.config.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	// Extend the read deadline when the coordinator pings us
	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		deadline := time.Now().Add(writeWait)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	return r.send(jobproto.TypeRegister, jobproto.RegisterMessage{
		RunnerID: r.config.RunnerID,
		MaxJobs:  r.config.MaxJobs,
	})
}

// Run starts the runner loop
func (r *Runner) Run() error {
	// Send initial ready message
	if err := r.sendReady(); err != nil {
		return err
	}

	for {
		select {
		case <-r.ctx.Done():
			return nil
		default:
		}

		_, message, err := r.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		// Extend read deadline on any message received
		r.conn.SetReadDeadline(time.Now().Add(pingWait))

		var env jobproto.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("invalid message: %v", err)
			continue
		}

		switch env.Type {
		case jobproto.TypeJob:
			var job jobproto.JobMessage
			if err := json.Unmarshal(env.Payload, &job); err != nil {
				log.Printf("invalid job message: %v", err)
				continue
			}
			go r.handleJob(job)

		case jobproto.TypePing:
			r.send(jobproto.TypePong, nil)

		case jobproto.TypeCancel:
			var cancel jobproto.CancelMessage
			if err := json.Unmarshal(env.Payload, &cancel); err != nil {
				log.Printf("invalid cancel message: %v", err)
				continue
			}
			log.Printf("cancelling job %s", cancel.JobID)
			r.CancelJob(cancel.JobID)
		}
	}
}

func (r *Runner) handleJob(jobMsg jobproto.JobMessage) {
	if !r.pool.Acquire() {
		r.send(jobproto.TypeError, jobproto.ErrorMessage{
			JobID:   jobMsg.JobID,
			Message: "no slots available",
		})
		return
	}
	defer func() {
		r.pool.Release()
		r.UntrackJob(jobMsg.JobID)
		r.sendReady()
	}()

	timeout := time.Duration(jobMsg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Minute
	}

	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	// Track this job for cancellation
	r.TrackJob(jobMsg.JobID, cancel)

	result, err := r.executor.RunJob(ctx, &jobMsg, func(stream, data string) {
		r.send(jobproto.TypeOutput, jobproto.OutputMessage{
			JobID:  jobMsg.JobID,
			Stream: stream,
			Data:   data,
		})
	})

	if err != nil {
		r.send(jobproto.TypeError, jobproto.ErrorMessage{
			JobID:   jobMsg.JobID,
			Message: err.Error(),
		})
		return
	}

	r.send(jobproto.TypeComplete, jobproto.CompleteMessage{
		JobID:      jobMsg.JobID,
		ExitCode:   result.ExitCode,
		DurationMs: int64(result.DurationSecs * 1000),
	})
}

func (r *Runner) sendReady() error {
	return r.send(jobproto.TypeReady, jobproto.ReadyMessage{
		Slots: r.pool.Available(),
	})
}

func (r *Runner) send(msgType string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := jobproto.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

// Stop gracefully shuts down the runner
func (r *Runner) Stop() {
	r.cancel()
	r.mu.Lock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.mu.Unlock()
}

// RunWithReconnect runs the runner with automatic reconnection
func (r *Runner) RunWithReconnect() error {
	attempt := 0

	for {
		select {
		case <-r.ctx.Done():
			return nil
		default:
		}

		err := r.Connect()
		if err != nil {
			delay := calculateBackoff(attempt)
			log.Printf("connection failed: %v, retrying in %v", err, delay)
			attempt++

			select {
			case <-r.ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}

		// Connected - reset backoff
		attempt = 0
		log.Printf("connected to coordinator")

		// Run until disconnected
		err = r.Run()

		// Close the connection before reconnecting to avoid leaking file descriptors
		r.mu.Lock()
		if r.conn != nil {
			r.conn.Close()
			r.conn = nil
		}
		r.mu.Unlock()

		if err != nil {
			log.Printf("disconnected: %v", err)
		}

		select {
		case <-r.ctx.Done():
			return nil
		default:
			// Will reconnect
		}
	}
}

// TrackJob registers a job's cancel function for later cancellation
func (r *Runner) TrackJob(jobID string, cancel context.CancelFunc) {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()
	r.jobs[jobID] = cancel
}

// UntrackJob removes a job from tracking
func (r *Runner) UntrackJob(jobID string) {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()
	delete(r.jobs, jobID)
}

// HasJob checks if a job is being tracked
func (r *Runner) HasJob(jobID string) bool {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()
	_, ok := r.jobs[jobID]
	return ok
}

// CancelJob cancels a running job
func (r *Runner) CancelJob(jobID string) {
	r.jobsMu.Lock()
	cancel, ok := r.jobs[jobID]
	if ok {
		delete(r.jobs, jobID)
	}
	r.jobsMu.Unlock()

	if ok && cancel != nil {
		cancel()
	}
}
