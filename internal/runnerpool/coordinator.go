package runnerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/jobproto"
)

// CoordinatorConfig configures the coordinator
type CoordinatorConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Coordinator owns the runner connections and the job dispatcher. It is
// mounted on the orchestrator's HTTP server rather than running its own:
// runner agents connect to the same endpoint the rest of the API lives on.
type Coordinator struct {
	config     CoordinatorConfig
	registry   *Registry
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader

	// Output accumulator for streaming output from runners
	outputMu     sync.Mutex
	outputBuffer map[string]*strings.Builder
}

// NewCoordinator creates a new coordinator
func NewCoordinator(config CoordinatorConfig, registry *Registry, dispatcher *Dispatcher) *Coordinator {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 90 * time.Second // Allow missing 2 heartbeats before disconnect
	}

	c := &Coordinator{
		config:     config,
		registry:   registry,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		outputBuffer: make(map[string]*strings.Builder),
	}

	c.dispatcher.SetSendFunc(c.sendJobToRunner)
	c.dispatcher.SetCancelFunc(c.sendCancelToRunner)

	return c
}

// Registry returns the runner registry
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Dispatcher returns the job dispatcher
func (c *Coordinator) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// Submit enqueues a stage job and kicks the dispatcher
func (c *Coordinator) Submit(ctx context.Context, job *jobproto.JobMessage) error {
	if err := c.dispatcher.Submit(job); err != nil {
		return err
	}
	c.dispatcher.TryDispatch()
	return nil
}

// Cancel aborts a queued or running job
func (c *Coordinator) Cancel(jobID string) error {
	return c.dispatcher.Cancel(jobID)
}

// Active reports whether a job is still queued or running on a runner
func (c *Coordinator) Active(jobID string) bool {
	return c.dispatcher.Active(jobID)
}

// HandleWebSocket handles incoming WebSocket connections from runner agents
func (c *Coordinator) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}

	go c.handleRunnerConnection(conn)
}

func (c *Coordinator) handleRunnerConnection(conn *websocket.Conn) {
	var runnerID string
	defer func() {
		conn.Close()
		if runnerID != "" {
			c.registry.Unregister(runnerID)
			c.dispatcher.RequeueRunnerJobs(runnerID)
			c.dispatcher.TryDispatch()
			log.Printf("runner %s disconnected", runnerID)
		}
	}()

	// Set up WebSocket-level pong handler to extend read deadline
	conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("read error: %v", err)
			}
			return
		}

		// Extend read deadline on any message received
		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))

		var env jobproto.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("invalid message: %v", err)
			continue
		}

		switch env.Type {
		case jobproto.TypeRegister:
			var reg jobproto.RegisterMessage
			if err := json.Unmarshal(env.Payload, &reg); err != nil {
				log.Printf("invalid register: %v", err)
				continue
			}
			runnerID = reg.RunnerID
			c.registry.Register(&ConnectedRunner{
				ID:      reg.RunnerID,
				MaxJobs: reg.MaxJobs,
				Slots:   reg.MaxJobs,
				Conn:    conn,
			})
			log.Printf("runner %s registered (max_jobs=%d)", reg.RunnerID, reg.MaxJobs)

		case jobproto.TypeReady:
			var ready jobproto.ReadyMessage
			if err := json.Unmarshal(env.Payload, &ready); err != nil {
				log.Printf("failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			if r := c.registry.Get(runnerID); r != nil {
				r.UpdateSlots(ready.Slots)
				c.dispatcher.TryDispatch()
			}

		case jobproto.TypeOutput:
			var output jobproto.OutputMessage
			if err := json.Unmarshal(env.Payload, &output); err != nil {
				log.Printf("failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			c.AccumulateOutput(output.JobID, output.Stream, output.Data)

		case jobproto.TypeComplete:
			var complete jobproto.CompleteMessage
			if err := json.Unmarshal(env.Payload, &complete); err != nil {
				log.Printf("failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			output := c.GetAndClearOutput(complete.JobID)
			c.dispatcher.Complete(complete.JobID, &jobproto.JobResult{
				JobID:        complete.JobID,
				ExitCode:     complete.ExitCode,
				Output:       output,
				DurationSecs: float64(complete.DurationMs) / 1000,
			})

		case jobproto.TypeError:
			var errMsg jobproto.ErrorMessage
			if err := json.Unmarshal(env.Payload, &errMsg); err != nil {
				log.Printf("failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			output := c.GetAndClearOutput(errMsg.JobID)
			c.dispatcher.Complete(errMsg.JobID, &jobproto.JobResult{
				JobID:    errMsg.JobID,
				ExitCode: -1,
				Output:   output + "Error: " + errMsg.Message,
			})

		case jobproto.TypePong:
			if r := c.registry.Get(runnerID); r != nil {
				r.SetLastHeartbeat(time.Now())
			}
		}
	}
}

func (c *Coordinator) sendJobToRunner(r *ConnectedRunner, job *jobproto.JobMessage) error {
	data, err := jobproto.MarshalEnvelope(jobproto.TypeJob, job)
	if err != nil {
		return err
	}
	return r.WriteMessage(websocket.TextMessage, data)
}

func (c *Coordinator) sendCancelToRunner(runnerID, jobID string) error {
	r := c.registry.Get(runnerID)
	if r == nil {
		return fmt.Errorf("runner %s not found", runnerID)
	}

	data, err := jobproto.MarshalEnvelope(jobproto.TypeCancel, jobproto.CancelMessage{
		JobID: jobID,
	})
	if err != nil {
		return err
	}
	return r.WriteMessage(websocket.TextMessage, data)
}

// RunHeartbeats pings connected runners until ctx is cancelled
func (c *Coordinator) RunHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeats()
		}
	}
}

func (c *Coordinator) sendHeartbeats() {
	for _, r := range c.registry.All() {
		// WebSocket protocol-level ping: triggers the pong handler on the
		// runner side, keeping the connection alive.
		r.writeMu.Lock()
		r.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := r.Conn.WriteMessage(websocket.PingMessage, nil)
		r.Conn.SetWriteDeadline(time.Time{})
		r.writeMu.Unlock()

		if err != nil {
			log.Printf("ping to %s failed: %v", r.ID, err)
			// Broken connection, close it; the read loop handles cleanup
			r.Conn.Close()
		}
	}
}

// PoolStatus is a snapshot of the pool for the status API
type PoolStatus struct {
	Runners    []RunnerStatus `json:"runners"`
	QueuedJobs int            `json:"queued_jobs"`
}

// RunnerStatus describes one connected runner
type RunnerStatus struct {
	ID             string `json:"id"`
	MaxJobs        int    `json:"max_jobs"`
	ActiveJobs     int    `json:"active_jobs"`
	ConnectedSince string `json:"connected_since"`
}

// Status returns a snapshot of connected runners and the queue
func (c *Coordinator) Status() PoolStatus {
	runners := []RunnerStatus{}
	for _, r := range c.registry.All() {
		maxJobs, slots, connectedAt := r.GetStatus()
		runners = append(runners, RunnerStatus{
			ID:             r.ID,
			MaxJobs:        maxJobs,
			ActiveJobs:     maxJobs - slots,
			ConnectedSince: connectedAt.Format(time.RFC3339),
		})
	}
	return PoolStatus{
		Runners:    runners,
		QueuedJobs: c.dispatcher.QueuedCount(),
	}
}

// AccumulateOutput appends output for a job
func (c *Coordinator) AccumulateOutput(jobID, stream, data string) {
	c.outputMu.Lock()
	defer c.outputMu.Unlock()

	if c.outputBuffer[jobID] == nil {
		c.outputBuffer[jobID] = &strings.Builder{}
	}
	c.outputBuffer[jobID].WriteString(data)
}

// GetAndClearOutput returns accumulated output and clears the buffer
func (c *Coordinator) GetAndClearOutput(jobID string) string {
	c.outputMu.Lock()
	defer c.outputMu.Unlock()

	if buf, ok := c.outputBuffer[jobID]; ok {
		output := buf.String()
		delete(c.outputBuffer, jobID)
		return output
	}
	return ""
}
