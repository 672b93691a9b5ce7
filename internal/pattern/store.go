// Package pattern implements the Pattern Memory & Quality Scorer: a
// feature-fingerprint-keyed win/loss/PnL store whose composite score
// modulates position sizing. The on-disk shape follows a plain JSON-file
// persistence layout, upgraded here to an atomic temp+rename write for
// durable state.
package pattern

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

const scoreCacheTTL = 60 * time.Second

type cachedScore struct {
	value *float64
	at    time.Time
}

// Store is the Pattern Memory singleton and the exclusive writer of
// PatternRecords.
type Store struct {
	mu         sync.Mutex
	logger     *zap.Logger
	path       string
	maxRecords int

	records    map[string]*types.PatternRecord
	scoreCache map[string]cachedScore
}

// New constructs a Store that persists to path, evicting the records with
// the fewest observations once the store exceeds maxRecords entries.
func New(logger *zap.Logger, path string, maxRecords int) *Store {
	return &Store{
		logger:     logger.Named("pattern"),
		path:       path,
		maxRecords: maxRecords,
		records:    make(map[string]*types.PatternRecord),
		scoreCache: make(map[string]cachedScore),
	}
}

// Load reads the pattern-memory file, tolerating a missing file (fresh
// start) but not a corrupt one.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pattern: read %s: %w", s.path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var records map[string]*types.PatternRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("pattern: decode %s: %w", s.path, err)
	}
	s.records = records
	return nil
}

// Observe increments timesSeen for a key without recording any PnL. Used
// when a setup is seen but no trade is taken, or at entry time. Only
// Observe, never Record, may run at entry — entry-time PnL recording
// would record an outcome before the trade has one.
func (s *Store) Observe(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.getOrCreateLocked(key)
	rec.TimesSeen++
}

// Record appends a realized outcome at trade exit, the only place PnL may
// be recorded. It persists atomically afterward.
func (s *Store) Record(key string, pnlPct float64, at time.Time) error {
	s.mu.Lock()
	rec := s.getOrCreateLocked(key)
	rec.TimesSeen++
	rec.Results = append(rec.Results, types.PatternResult{PnLPct: pnlPct, TimestampMillis: at.UnixMilli()})
	if pnlPct > 0 {
		rec.Wins++
	} else {
		rec.Losses++
	}
	rec.TotalPnLPct += pnlPct
	delete(s.scoreCache, key)
	s.evictIfOverCapLocked()
	s.mu.Unlock()

	return s.persist()
}

func (s *Store) getOrCreateLocked(key string) *types.PatternRecord {
	rec, ok := s.records[key]
	if !ok {
		rec = &types.PatternRecord{}
		s.records[key] = rec
	}
	return rec
}

// evictIfOverCapLocked drops the record with the fewest observations once
// the store exceeds maxRecords; callers must hold s.mu. Records are never
// deleted based on age, only by this cap-driven eviction.
func (s *Store) evictIfOverCapLocked() {
	if s.maxRecords <= 0 || len(s.records) <= s.maxRecords {
		return
	}
	type kv struct {
		key       string
		timesSeen int
	}
	all := make([]kv, 0, len(s.records))
	for k, r := range s.records {
		all = append(all, kv{k, r.TimesSeen})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].timesSeen < all[j].timesSeen })
	toEvict := len(s.records) - s.maxRecords
	for i := 0; i < toEvict; i++ {
		delete(s.records, all[i].key)
	}
}

// Score returns nil if timesSeen < 5; otherwise an additive score in
// [-1,+1] combining win-rate and average-PnL components, cached per-key
// for 60s.
func (s *Store) Score(key string, now time.Time) *float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.scoreCache[key]; ok && now.Sub(cached.at) < scoreCacheTTL {
		return cached.value
	}

	rec, ok := s.records[key]
	var result *float64
	if ok && rec.TimesSeen >= 5 {
		total := rec.Wins + rec.Losses
		var winRate, avgPnL float64
		if total > 0 {
			winRate = float64(rec.Wins) / float64(total)
			avgPnL = rec.TotalPnLPct / float64(total)
		}
		score := winRateComponent(winRate) + avgPnLComponent(avgPnL)
		result = &score
	}

	s.scoreCache[key] = cachedScore{value: result, at: now}
	return result
}

// SweepExpiredScores drops score-cache entries older than the TTL. Entries
// also expire lazily on Score, so this only matters for keys that stop
// being queried; without it a long-idle key's stale entry would sit in
// memory forever.
func (s *Store) SweepExpiredScores(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.scoreCache {
		if now.Sub(c.at) >= scoreCacheTTL {
			delete(s.scoreCache, k)
		}
	}
}

func winRateComponent(winRate float64) float64 {
	switch {
	case winRate >= 0.7:
		return 0.6
	case winRate >= 0.6:
		return 0.3
	case winRate >= 0.5:
		return 0.1
	case winRate < 0.4:
		return -0.3
	default:
		return 0
	}
}

func avgPnLComponent(avgPnLPct float64) float64 {
	switch {
	case avgPnLPct > 2:
		return 0.4
	case avgPnLPct > 1:
		return 0.2
	case avgPnLPct > 0:
		return 0.1
	case avgPnLPct < -1:
		return -0.2
	default:
		return 0
	}
}

// Composite is the arithmetic mean of defined per-key scores among
// activeKeys, clamped to [-1,+1]. Undefined (nil) scores are skipped; a
// score failure degrades gracefully, never aborting sizing.
func (s *Store) Composite(activeKeys []string, now time.Time) float64 {
	sum := 0.0
	n := 0
	for _, k := range activeKeys {
		if score := s.Score(k, now); score != nil {
			sum += *score
			n++
		}
	}
	if n == 0 {
		return 0
	}
	v := sum / float64(n)
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

// SizeMultiplier maps a composite score to the piecewise sizing
// multiplier.
func SizeMultiplier(composite float64) float64 {
	switch {
	case composite <= -0.5:
		return 0.25
	case composite <= 0:
		return 0.5
	case composite <= 0.5:
		return 1.0
	default:
		return 1.5
	}
}

// IsElite reports whether a key has a strong, well-sampled track record:
// timesSeen >= 10, winRate >= 0.65, avgPnL >= 1.5%.
func (s *Store) IsElite(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || rec.TimesSeen < 10 {
		return false
	}
	total := rec.Wins + rec.Losses
	if total == 0 {
		return false
	}
	winRate := float64(rec.Wins) / float64(total)
	avgPnL := rec.TotalPnLPct / float64(total)
	return winRate >= 0.65 && avgPnL >= 1.5
}

// persist writes the store to disk atomically (write-to-temp + rename).
func (s *Store) persist() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.records, "", " ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("pattern: marshal: %w", err)
	}
	return atomicWriteFile(s.path, data)
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pattern: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("pattern: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("pattern: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pattern: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pattern: rename temp file: %w", err)
	}
	return nil
}
