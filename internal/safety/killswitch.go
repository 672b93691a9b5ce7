package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrKillSwitchActive is the typed error the order path raises when the
// kill switch gate fails.
var ErrKillSwitchActive = fmt.Errorf("safety: kill switch active")

// killSwitchRecord is the durable flag file's contents.
type killSwitchRecord struct {
	ActivatedAt time.Time `json:"activatedAt"`
	Reason      string    `json:"reason"`
	PID         int       `json:"pid"`
}

// KillSwitch is a durable, file-backed trading halt. isOn() caches the
// filesystem check for a second so the hot path never stats on every call.
type KillSwitch struct {
	mu       sync.Mutex
	logger   *zap.Logger
	path     string
	auditLog string

	cachedOn bool
	cachedAt time.Time
}

// NewKillSwitch constructs a KillSwitch backed by the given flag file and
// audit log path.
func NewKillSwitch(logger *zap.Logger, path, auditLog string) *KillSwitch {
	return &KillSwitch{logger: logger.Named("killswitch"), path: path, auditLog: auditLog}
}

// IsOn reports whether the kill switch flag file currently exists,
// caching the result for one second.
func (k *KillSwitch) IsOn(now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if now.Sub(k.cachedAt) < time.Second {
		return k.cachedOn
	}
	_, err := os.Stat(k.path)
	k.cachedOn = err == nil
	k.cachedAt = now
	return k.cachedOn
}

// Activate writes the durable flag and appends an audit log line.
func (k *KillSwitch) Activate(reason string, now time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec := killSwitchRecord{ActivatedAt: now, Reason: reason, PID: os.Getpid()}
	data, err := json.MarshalIndent(rec, "", " ")
	if err != nil {
		return fmt.Errorf("safety: marshal kill switch record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o755); err != nil {
		return fmt.Errorf("safety: mkdir for kill switch: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0o644); err != nil {
		return fmt.Errorf("safety: write kill switch flag: %w", err)
	}
	k.cachedOn = true
	k.cachedAt = now
	k.appendAudit(fmt.Sprintf("ACTIVATE reason=%q pid=%d at=%s", reason, rec.PID, now.Format(time.RFC3339)))
	k.logger.Warn("kill switch activated", zap.String("reason", reason))
	return nil
}

// Deactivate removes the durable flag and logs the event.
func (k *KillSwitch) Deactivate(now time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := os.Remove(k.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("safety: remove kill switch flag: %w", err)
	}
	k.cachedOn = false
	k.cachedAt = now
	k.appendAudit(fmt.Sprintf("DEACTIVATE at=%s", now.Format(time.RFC3339)))
	k.logger.Info("kill switch deactivated")
	return nil
}

func (k *KillSwitch) appendAudit(line string) {
	if k.auditLog == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(k.auditLog), 0o755); err != nil {
		k.logger.Error("failed to create audit log directory", zap.Error(err))
		return
	}
	f, err := os.OpenFile(k.auditLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		k.logger.Error("failed to open kill switch audit log", zap.Error(err))
		return
	}
	defer f.Close()
	fmt.Fprintln(f, line)
}

// Watch starts a filesystem watch on the flag file's directory and invokes
// onChange the instant the flag is created, written, or removed, so an
// activation from a separate `killswitch on/off` process is observed
// without polling. The watch runs in its own goroutine until ctx is done.
func (k *KillSwitch) Watch(ctx context.Context, onChange func(on bool, at time.Time)) error {
	dir := filepath.Dir(k.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("safety: mkdir for kill switch watch: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("safety: create kill switch watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("safety: watch kill switch directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(k.path) {
					continue
				}
				now := time.Now()
				switch {
				case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
					k.mu.Lock()
					k.cachedOn, k.cachedAt = true, now
					k.mu.Unlock()
					onChange(true, now)
				case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
					k.mu.Lock()
					k.cachedOn, k.cachedAt = false, now
					k.mu.Unlock()
					onChange(false, now)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				k.logger.Warn("kill switch watch error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Status returns the record describing the current activation, if any.
func (k *KillSwitch) Status() (killSwitchRecord, bool) {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return killSwitchRecord{}, false
	}
	var rec killSwitchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return killSwitchRecord{}, false
	}
	return rec, true
}
