// Package state persists the durable trading-state snapshot: balance,
// open position, entry price, and daily PnL, written atomically to
// ./data/state.{mode}.json. It follows the same dataDir-rooted JSON file
// layout and temp+rename atomic write that internal/pattern uses for its
// pattern-memory file.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Snapshot is the persisted shape of the design's state file.
type Snapshot struct {
	Balance    decimal.Decimal `json:"balance"`
	Position   *PositionState  `json:"position,omitempty"`
	EntryPrice decimal.Decimal `json:"entryPrice,omitempty"`
	DailyPnL   decimal.Decimal `json:"dailyPnL"`
	Timestamp  time.Time       `json:"timestamp"`
}

// PositionState is the minimal open-position shape the snapshot carries;
// the execution layer's richer types.Position is the source of truth
// while the bot is running.
type PositionState struct {
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Store owns one mode's state snapshot file.
type Store struct {
	mu     sync.Mutex
	logger *zap.Logger
	path   string
}

// New constructs a Store for the given mode-suffixed path
// (./data/state.{mode}.json).
func New(logger *zap.Logger, path string) *Store {
	return &Store{logger: logger.Named("state"), path: path}
}

// Load reads the snapshot, returning the zero value if the file does not
// yet exist (fresh start).
func (s *Store) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("state: read %s: %w", s.path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("state: decode %s: %w", s.path, err)
	}
	return snap, nil
}

// Save writes the snapshot atomically (temp file + rename), retrying a
// bounded number of times with exponential backoff on transient I/O
// failures.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", " ")
	if err != nil {
		return fmt.Errorf("state: marshal snapshot: %w", err)
	}

	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if err := atomicWriteFile(s.path, data); err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("state: persist snapshot after retries: %w", lastErr)
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("state: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("state: rename temp file: %w", err)
	}
	return nil
}

// PathForMode builds the./data/state.{mode}.json path under dataDir.
func PathForMode(dataDir, modeSuffix string) string {
	return filepath.Join(dataDir, fmt.Sprintf("state.%s.json", modeSuffix))
}
