package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
)

type singletonLockRecord struct {
	PID int `json:"pid"`
}

// SingletonLock is the file-based instance lock of the design: a second
// instance may reclaim a lock whose owner PID is no longer running, but
// otherwise must abort startup.
type SingletonLock struct {
	logger *zap.Logger
	path   string
}

// NewSingletonLock constructs a SingletonLock at the given path.
func NewSingletonLock(logger *zap.Logger, path string) *SingletonLock {
	return &SingletonLock{logger: logger.Named("singleton"), path: path}
}

// Acquire claims the lock, reclaiming it if the recorded owner PID is
// dead, and returns an error if a live owner already holds it.
func (s *SingletonLock) Acquire() error {
	if data, err := os.ReadFile(s.path); err == nil {
		var rec singletonLockRecord
		if err := json.Unmarshal(data, &rec); err == nil && rec.PID > 0 && processAlive(rec.PID) {
			return fmt.Errorf("safety: instance lock held by live pid %d", rec.PID)
		}
		s.logger.Warn("reclaiming stale singleton lock", zap.Int("stalePID", rec.PID))
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("safety: mkdir for singleton lock: %w", err)
	}
	data, err := json.Marshal(singletonLockRecord{PID: os.Getpid()})
	if err != nil {
		return fmt.Errorf("safety: marshal singleton lock: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("safety: write singleton lock: %w", err)
	}
	return nil
}

// Release removes the lock file on orderly shutdown.
func (s *SingletonLock) Release() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("safety: release singleton lock: %w", err)
	}
	return nil
}

// processAlive reports whether pid identifies a running process. On POSIX
// systems FindProcess always succeeds, so liveness is determined by
// signaling it with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
