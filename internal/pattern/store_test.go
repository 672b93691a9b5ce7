package pattern

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestScoreUndefinedBelowFiveObservations(t *testing.T) {
	s := New(zap.NewNop(), filepath.Join(t.TempDir(), "pattern-memory.paper.json"), 1000)
	now := time.Now()
	require.NoError(t, s.Record("k1", 2.0, now))
	require.NoError(t, s.Record("k1", 2.0, now))
	require.NoError(t, s.Record("k1", 2.0, now))
	require.Nil(t, s.Score("k1", now))
}

func TestScoreMonotonicInWinRate(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	lowWinRate := New(zap.NewNop(), filepath.Join(dir, "low.json"), 1000)
	for i := 0; i < 5; i++ {
		require.NoError(t, lowWinRate.Record("k", -1.0, now))
	}

	highWinRate := New(zap.NewNop(), filepath.Join(dir, "high.json"), 1000)
	for i := 0; i < 5; i++ {
		require.NoError(t, highWinRate.Record("k", 1.0, now))
	}

	lowScore := lowWinRate.Score("k", now)
	highScore := highWinRate.Score("k", now)
	require.NotNil(t, lowScore)
	require.NotNil(t, highScore)
	require.Greater(t, *highScore, *lowScore)
}

func TestRecordOnlyAtExitNoGhostOnObserve(t *testing.T) {
	s := New(zap.NewNop(), filepath.Join(t.TempDir(), "pattern-memory.paper.json"), 1000)
	s.Observe("k1")
	s.Observe("k1")

	s.mu.Lock()
	rec := s.records["k1"]
	s.mu.Unlock()

	require.Equal(t, 2, rec.TimesSeen)
	require.Empty(t, rec.Results, "Observe must never append a PnL result")
	require.Zero(t, rec.TotalPnLPct)
}

func TestPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pattern-memory.paper.json")
	now := time.Now()

	s1 := New(zap.NewNop(), path, 1000)
	require.NoError(t, s1.Record("k1", 3.3, now))

	s2 := New(zap.NewNop(), path, 1000)
	require.NoError(t, s2.Load())

	s2.mu.Lock()
	rec := s2.records["k1"]
	s2.mu.Unlock()
	require.NotNil(t, rec)
	require.Equal(t, 1, rec.TimesSeen)
	require.InDelta(t, 3.3, rec.TotalPnLPct, 0.001)
}

func TestSizeMultiplierPiecewise(t *testing.T) {
	require.Equal(t, 0.25, SizeMultiplier(-0.8))
	require.Equal(t, 0.5, SizeMultiplier(-0.1))
	require.Equal(t, 1.0, SizeMultiplier(0.3))
	require.Equal(t, 1.5, SizeMultiplier(0.9))
}

func TestIsEliteRequiresSamplesAndPerformance(t *testing.T) {
	s := New(zap.NewNop(), filepath.Join(t.TempDir(), "pattern-memory.paper.json"), 1000)
	now := time.Now()
	for i := 0; i < 9; i++ {
		require.NoError(t, s.Record("elite", 2.0, now))
	}
	require.False(t, s.IsElite("elite"), "needs timesSeen >= 10")
	require.NoError(t, s.Record("elite", 2.0, now))
	require.True(t, s.IsElite("elite"))
}
