// Package runnerpool provides the runner registry and job dispatcher for
// the stage-execution coordinator. It tracks connected runner agents and
// their available capacity, hands stage jobs to them, and falls back to an
// embedded in-process runner when no agents are connected.
package runnerpool

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectedRunner represents a runner agent connection
type ConnectedRunner struct {
	ID            string
	MaxJobs       int
	Slots         int
	Conn          *websocket.Conn
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	mu            sync.Mutex
	writeMu       sync.Mutex // protects Conn writes
}

// UpdateSlots updates available slots (thread-safe)
func (r *ConnectedRunner) UpdateSlots(slots int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Slots = slots
}

// DecrementSlots reduces available slots by 1
func (r *ConnectedRunner) DecrementSlots() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Slots > 0 {
		r.Slots--
	}
}

// SetLastHeartbeat sets the last heartbeat time (thread-safe)
func (r *ConnectedRunner) SetLastHeartbeat(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LastHeartbeat = t
}

// GetStatus returns a snapshot of runner status fields (thread-safe)
func (r *ConnectedRunner) GetStatus() (maxJobs, slots int, connectedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.MaxJobs, r.Slots, r.ConnectedAt
}

// WriteMessage sends a message to the runner connection (thread-safe)
func (r *ConnectedRunner) WriteMessage(messageType int, data []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.Conn.WriteMessage(messageType, data)
}

// Registry tracks connected runners
type Registry struct {
	runners map[string]*ConnectedRunner
	mu      sync.RWMutex
}

// NewRegistry creates a new runner registry
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]*ConnectedRunner),
	}
}

// Register adds a runner to the registry
func (r *Registry) Register(runner *ConnectedRunner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runner.ConnectedAt = time.Now()
	runner.LastHeartbeat = time.Now()
	r.runners[runner.ID] = runner
}

// Unregister removes a runner from the registry
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runners, id)
}

// Get returns a runner by ID
func (r *Registry) Get(id string) *ConnectedRunner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runners[id]
}

// Count returns the number of connected runners
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runners)
}

// FindReady returns a runner with available slots, preferring runners with more slots
func (r *Registry) FindReady() *ConnectedRunner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *ConnectedRunner
	var bestSlots int
	for _, runner := range r.runners {
		runner.mu.Lock()
		slots := runner.Slots
		runner.mu.Unlock()

		if slots > 0 && slots > bestSlots {
			best = runner
			bestSlots = slots
		}
	}
	return best
}

// All returns all connected runners
func (r *Registry) All() []*ConnectedRunner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ConnectedRunner, 0, len(r.runners))
	for _, runner := range r.runners {
		result = append(result, runner)
	}
	return result
}

// TotalSlots returns sum of all available slots
func (r *Registry) TotalSlots() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, runner := range r.runners {
		runner.mu.Lock()
		total += runner.Slots
		runner.mu.Unlock()
	}
	return total
}
