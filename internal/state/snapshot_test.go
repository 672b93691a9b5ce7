package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadReturnsZeroValueWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	s := New(zap.NewNop(), PathForMode(dir, "paper"))

	snap, err := s.Load()
	require.NoError(t, err)
	require.True(t, snap.Balance.IsZero())
	require.Nil(t, snap.Position)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := PathForMode(dir, "paper")
	s := New(zap.NewNop(), path)

	snap := Snapshot{
		Balance:    decimal.NewFromFloat(10523.45),
		EntryPrice: decimal.NewFromFloat(30120.5),
		DailyPnL:   decimal.NewFromFloat(-12.3),
		Timestamp:  time.Now().UTC().Truncate(time.Second),
		Position:   &PositionState{
			Symbol: "BTC/USD", Side: "long", Quantity: decimal.NewFromFloat(0.5),
		},
	}
	require.NoError(t, s.Save(context.Background(), snap))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.True(t, snap.Balance.Equal(loaded.Balance))
	require.True(t, snap.DailyPnL.Equal(loaded.DailyPnL))
	require.Equal(t, snap.Timestamp.Unix(), loaded.Timestamp.Unix())
	require.NotNil(t, loaded.Position)
	require.Equal(t, "BTC/USD", loaded.Position.Symbol)
}

func TestSaveLeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	path := PathForMode(dir, "live")
	s := New(zap.NewNop(), path)

	require.NoError(t, s.Save(context.Background(), Snapshot{Balance: decimal.NewFromInt(100)}))

	entries, err := filepath.Glob(filepath.Join(dir, "*.tmp-*"))
	require.NoError(t, err)
	require.Empty(t, entries, "atomic save must not leave temp files behind")
}

func TestSaveOverwritesPriorSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := PathForMode(dir, "paper")
	s := New(zap.NewNop(), path)

	require.NoError(t, s.Save(context.Background(), Snapshot{Balance: decimal.NewFromInt(100)}))
	require.NoError(t, s.Save(context.Background(), Snapshot{Balance: decimal.NewFromInt(250)}))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.True(t, loaded.Balance.Equal(decimal.NewFromInt(250)))
}

func TestPathForModeIncludesModeSuffix(t *testing.T) {
	require.Equal(t, filepath.Join("data", "state.paper.json"), PathForMode("data", "paper"))
	require.Equal(t, filepath.Join("data", "state.live.json"), PathForMode("data", "live"))
}
