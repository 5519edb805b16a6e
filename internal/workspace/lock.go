package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tedescomicchidev/MultiClaudeMCPTest2/internal/domain"
)

// lockWait bounds how long a caller waits for the per-run lock before
// getting ErrWorkspaceBusy.
const lockWait = 5 * time.Second

const lockPollInterval = 50 * time.Millisecond

// runLock is an advisory flock on the run directory. It serializes
// structural repository mutations (workspace creation, merges) across
// processes; read-only inspection never takes it.
type runLock struct {
	file *os.File
}

// lockRun acquires the advisory lock for a run, waiting up to lockWait
func (m *Manager) lockRun(runID string) (*runLock, error) {
	lockPath := filepath.Join(m.runDir(runID), ".lock")
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening run lock: %v", domain.ErrStorageUnavailable, err)
	}

	deadline := time.Now().Add(lockWait)
	for {
		err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return &runLock{file: file}, nil
		}
		if err != syscall.EWOULDBLOCK && err != syscall.EAGAIN {
			file.Close()
			return nil, fmt.Errorf("%w: flock: %v", domain.ErrStorageUnavailable, err)
		}
		if time.Now().After(deadline) {
			file.Close()
			return nil, fmt.Errorf("%w: run %s lock held elsewhere", domain.ErrWorkspaceBusy, runID)
		}
		time.Sleep(lockPollInterval)
	}
}

func (l *runLock) unlock() {
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
}

// WithRunLock runs fn while holding the run's advisory lock. Used by the
// merge reconciler so trunk mutations never interleave with workspace
// creation or reclamation.
func (m *Manager) WithRunLock(runID string, fn func() error) error {
	lock, err := m.lockRun(runID)
	if err != nil {
		return err
	}
	defer lock.unlock()
	return fn()
}
