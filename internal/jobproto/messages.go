// Package jobproto defines message types for runner-coordinator communication
// in the distributed stage-execution system. Messages flow over WebSocket
// connections.
package jobproto

import "encoding/json"

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Runner -> Coordinator messages

// RegisterMessage sent when a runner first connects
type RegisterMessage struct {
	RunnerID string `json:"runner_id"`
	MaxJobs  int    `json:"max_jobs"`
}

// ReadyMessage sent when a runner has available job slots
type ReadyMessage struct {
	Slots int `json:"slots"`
}

// OutputMessage sent for streaming stage command output
type OutputMessage struct {
	JobID  string `json:"job_id"`
	Stream string `json:"stream"` // "stdout" or "stderr"
	Data   string `json:"data"`
}

// CompleteMessage sent when a stage job's process finishes. Completion of
// the stage itself is reported out of band through the signal endpoint;
// this message only settles the runner slot.
type CompleteMessage struct {
	JobID      string `json:"job_id"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

// ErrorMessage sent when a job fails before its process could run
type ErrorMessage struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// JobResult is the coordinator-side record of a finished job process
type JobResult struct {
	JobID        string  `json:"job_id"`
	ExitCode     int     `json:"exit_code"`
	Output       string  `json:"output,omitempty"`
	DurationSecs float64 `json:"duration_secs,omitempty"`
}

// Coordinator -> Runner messages

// JobMessage assigns one stage execution to a runner. The runner exports
// the fields as environment variables and runs the stage command inside
// the workspace directory.
type JobMessage struct {
	JobID         string `json:"job_id"`
	RunID         string `json:"run_id"`
	InstanceID    int    `json:"instance_id"`
	Stage         string `json:"stage"`
	Branch        string `json:"branch"`
	WorkspacePath string `json:"workspace_path"`
	Token         string `json:"token"`
	Task          string `json:"task,omitempty"`
	Timeout       int    `json:"timeout_secs,omitempty"`
}

// CancelMessage requests job cancellation
type CancelMessage struct {
	JobID string `json:"job_id"`
}

// Message type constants
const (
	TypeRegister = "register"
	TypeReady    = "ready"
	TypeOutput   = "output"
	TypeComplete = "complete"
	TypeError    = "error"
	TypeJob      = "job"
	TypeCancel   = "cancel"
	TypePing     = "ping"
	TypePong     = "pong"
)
