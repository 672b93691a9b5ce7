package regime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func TestInitialStateIsRanging(t *testing.T) {
	d := New(zap.NewNop(), DefaultConfig())
	state := d.GetState()
	require.Equal(t, types.RegimeRanging, state.Current)
	require.Equal(t, types.RegimeRanging, state.Previous)
}

func TestCommitRequiresConfidenceAboveThreshold(t *testing.T) {
	d := New(zap.NewNop(), DefaultConfig())
	now := time.Now()

	state := d.Commit(types.RegimeTrendingUp, 0.5, types.RegimeMetrics{}, now)
	require.Equal(t, types.RegimeRanging, state.Current, "confidence below 0.7 must not move current off ranging")

	state = d.Commit(types.RegimeTrendingUp, 0.81, types.RegimeMetrics{}, now)
	require.Equal(t, types.RegimeTrendingUp, state.Current)
	require.Equal(t, types.RegimeRanging, state.Previous)
}

func TestCommitAllowsMatchingCurrentRegardlessOfConfidence(t *testing.T) {
	d := New(zap.NewNop(), DefaultConfig())
	now := time.Now()
	state := d.Commit(types.RegimeRanging, 0.1, types.RegimeMetrics{}, now)
	require.Equal(t, types.RegimeRanging, state.Current)
}

func TestClassifyBreakout(t *testing.T) {
	d := New(zap.NewNop(), DefaultConfig())
	m := types.RegimeMetrics{PricePosition: 0.95, VolumeRatio: 2.0, Momentum: 0.03}
	regime, confidence := d.Classify(m)
	require.Equal(t, types.RegimeBreakout, regime)
	require.GreaterOrEqual(t, confidence, 0.0)
	require.LessOrEqual(t, confidence, 1.0)
}

func TestClassifyVolatileBeatsRanging(t *testing.T) {
	d := New(zap.NewNop(), DefaultConfig())
	m := types.RegimeMetrics{Volatility: 0.05}
	regime, _ := d.Classify(m)
	require.Equal(t, types.RegimeVolatile, regime)
}

func TestGetVotesClamped(t *testing.T) {
	d := New(zap.NewNop(), DefaultConfig())
	d.Commit(types.RegimeTrendingUp, 0.95, types.RegimeMetrics{}, time.Now())
	votes := d.GetVotes()
	require.Len(t, votes, 1)
	require.GreaterOrEqual(t, votes[0].Strength, 0.0)
	require.LessOrEqual(t, votes[0].Strength, 1.0)
}
