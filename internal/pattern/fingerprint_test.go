package pattern

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func TestKeyIsCanonicalAndFieldOrdered(t *testing.T) {
	fv := FeatureVector{
		RSIBucket: 2, MACDBucket: 1, TrendSign: -1, VolatilityBucket: 0,
		VolumeRatioBucket: 3, MomentumBucket: 1, PricePositionBucket: 2,
		Regime: types.RegimeTrendingUp, Direction: types.DirectionLong,
	}
	require.Equal(t, "2,1,-1,0,3,1,2,trending_up,long", fv.Key())
}

func TestKeyDistinguishesDirectionAndRegime(t *testing.T) {
	base := FeatureVector{RSIBucket: 1, Regime: types.RegimeRanging, Direction: types.DirectionLong}
	flippedDirection := base
	flippedDirection.Direction = types.DirectionShort
	flippedRegime := base
	flippedRegime.Regime = types.RegimeTrendingUp

	require.NotEqual(t, base.Key(), flippedDirection.Key())
	require.NotEqual(t, base.Key(), flippedRegime.Key())
}

func TestFromSnapshotQuantizesRSIIntoBuckets(t *testing.T) {
	low := decimal.NewFromFloat(20)
	mid := decimal.NewFromFloat(50)
	high := decimal.NewFromFloat(80)

	lowFV := FromSnapshot(&types.IndicatorSnapshot{RSI: &low}, types.RegimeMetrics{}, types.RegimeRanging, types.DirectionLong)
	midFV := FromSnapshot(&types.IndicatorSnapshot{RSI: &mid}, types.RegimeMetrics{}, types.RegimeRanging, types.DirectionLong)
	highFV := FromSnapshot(&types.IndicatorSnapshot{RSI: &high}, types.RegimeMetrics{}, types.RegimeRanging, types.DirectionLong)

	require.Less(t, lowFV.RSIBucket, midFV.RSIBucket)
	require.Less(t, midFV.RSIBucket, highFV.RSIBucket)
}

func TestFromSnapshotHandlesNilIndicators(t *testing.T) {
	fv := FromSnapshot(nil, types.RegimeMetrics{Volatility: 0.05, Momentum: -1, PricePosition: 0.9}, types.RegimeVolatile, types.DirectionShort)
	require.Equal(t, 0, fv.RSIBucket)
	require.Equal(t, 0, fv.MACDBucket)
	require.Equal(t, -1, fv.MomentumBucket)
}

func TestFromSnapshotSignBucketsTrendAndMomentum(t *testing.T) {
	bullish := FromSnapshot(nil, types.RegimeMetrics{TrendDirection: 0.5, Momentum: 2.0}, types.RegimeTrendingUp, types.DirectionLong)
	bearish := FromSnapshot(nil, types.RegimeMetrics{TrendDirection: -0.5, Momentum: -2.0}, types.RegimeTrendingDown, types.DirectionShort)

	require.Equal(t, 1, bullish.TrendSign)
	require.Equal(t, 1, bullish.MomentumBucket)
	require.Equal(t, -1, bearish.TrendSign)
	require.Equal(t, -1, bearish.MomentumBucket)
}
