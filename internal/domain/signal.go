package domain

// StageSignal is an assertion from a job that its stage finished.
// Every field except Failed/Reason is a claim cross-checked against the
// registry and the repository before being honored.
type StageSignal struct {
	RunID         string `json:"run_id"`
	InstanceID    int    `json:"instance_id"`
	Branch        string `json:"branch"`
	WorkspacePath string `json:"workspace_path"`
	Stage         Stage  `json:"stage"`
	Token         string `json:"idempotency_token"`

	// Failed marks the signal as a failure report (executor error or
	// watchdog synthesis) rather than a completion claim.
	Failed bool   `json:"failed,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// SignalOutcome is the recorded result of consuming a signal token.
// Replays with the same token return it unchanged.
type SignalOutcome struct {
	Token    string        `json:"idempotency_token"`
	Accepted bool          `json:"accepted"`
	NewState InstanceState `json:"new_state"`
}
