package voting

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func trendingUpParams() types.RegimeParameters {
	return types.DefaultRegimeParameters()[types.RegimeTrendingUp]
}

func volatileParams() types.RegimeParameters {
	return types.DefaultRegimeParameters()[types.RegimeVolatile]
}

// TestGoldenCrossTriggeredLong mirrors the design walkthrough: an EMA50/200
// golden-cross vote alone, in a confident trending_up regime, against an
// empty pattern memory, should clear the confidence gate and size at 1.0x.
func TestGoldenCrossTriggeredLong(t *testing.T) {
	b := New(zap.NewNop(), DefaultConfig())
	atr := decimal.NewFromFloat(50)
	entry := decimal.NewFromFloat(30000)

	votes := []types.Vote{
		{Tag: "MA:EMA50_200", Vote: types.VoteBullish, Strength: 0.25},
	}

	decision := b.Decide(Inputs{
		Symbol:                "BTC/USD",
		Votes:                 votes,
		Regime:                types.RegimeState{Current: types.RegimeTrendingUp, Strength: 0.82},
		Params:                trendingUpParams(),
		PatternComposite:      0,
		ATR:                   &atr,
		EntryPrice:            entry,
		CandleTimestampMillis: 1000,
	})

	require.Equal(t, types.DirectionLong, decision.Direction)
	require.InDelta(t, 0.25, decision.Confidence, 0.001)
	require.InDelta(t, 1.0, decision.SizeMultiplier, 0.001)
	expectedStop := entry.Sub(atr.Mul(trendingUpParams().StopLossMultiplier))
	require.True(t, decision.StopLossPrice.Equal(expectedStop))
}

// TestSnapbackShortAfterBlowoff checks that an opposing snapback vote
// together with a penalizing blowoff vote can still drive a sized-down
// short in a volatile regime.
func TestSnapbackShortAfterBlowoff(t *testing.T) {
	b := New(zap.NewNop(), DefaultConfig())
	entry := decimal.NewFromFloat(30000)

	votes := []types.Vote{
		{Tag: "MA_SNAPBACK:bearish", Vote: types.VoteBearish, Strength: 0.3},
		{Tag: "MA_BLOWOFF:against_long", Vote: types.VoteBearish, Strength: 0.2},
	}

	decision := b.Decide(Inputs{
		Symbol:                "BTC/USD",
		Votes:                 votes,
		Regime:                types.RegimeState{Current: types.RegimeVolatile, Strength: 0.6},
		Params:                volatileParams(),
		PatternComposite:      0,
		EntryPrice:            entry,
		CandleTimestampMillis: 2000,
	})

	require.Equal(t, types.DirectionShort, decision.Direction)
	require.InDelta(t, 0.5, decision.Confidence, 0.01)
	require.LessOrEqual(t, decision.SizeMultiplier, 0.5+1e-9)
}

// TestPatternEliteBoost checks that a strongly positive pattern composite
// scales the final size up relative to an otherwise-identical neutral-
// pattern decision (spec scenario 3).
func TestPatternEliteBoost(t *testing.T) {
	b := New(zap.NewNop(), DefaultConfig())
	atr := decimal.NewFromFloat(50)
	entry := decimal.NewFromFloat(30000)
	votes := []types.Vote{{Tag: "MA:EMA50_200", Vote: types.VoteBullish, Strength: 0.25}}

	baseline := b.Decide(Inputs{
		Symbol: "BTC/USD", Votes: votes,
		Regime: types.RegimeState{Current: types.RegimeTrendingUp, Strength: 0.82},
		Params: trendingUpParams(), PatternComposite: 0, ATR: &atr, EntryPrice: entry,
	})
	boosted := b.Decide(Inputs{
		Symbol: "BTC/USD", Votes: votes,
		Regime: types.RegimeState{Current: types.RegimeTrendingUp, Strength: 0.82},
		Params: trendingUpParams(), PatternComposite: 0.6, ATR: &atr, EntryPrice: entry,
	})

	require.Greater(t, boosted.SizeMultiplier, baseline.SizeMultiplier)
}

func TestTieProducesFlat(t *testing.T) {
	b := New(zap.NewNop(), DefaultConfig())
	votes := []types.Vote{
		{Tag: "A", Vote: types.VoteBullish, Strength: 0.3},
		{Tag: "B", Vote: types.VoteBearish, Strength: 0.3},
	}
	decision := b.Decide(Inputs{
		Votes:      votes, Params: trendingUpParams(),
		Regime:     types.RegimeState{Current: types.RegimeTrendingUp},
		EntryPrice: decimal.NewFromFloat(100),
	})
	require.Equal(t, types.DirectionFlat, decision.Direction)
	require.Zero(t, decision.SizeMultiplier)
}

func TestMissingATRFallsBackToPercentageStops(t *testing.T) {
	b := New(zap.NewNop(), DefaultConfig())
	entry := decimal.NewFromFloat(100)
	votes := []types.Vote{{Tag: "A", Vote: types.VoteBullish, Strength: 0.5}}
	decision := b.Decide(Inputs{
		Votes:  votes, Params: trendingUpParams(),
		Regime: types.RegimeState{Current: types.RegimeTrendingUp}, EntryPrice: entry,
	})
	require.True(t, decision.StopLossPrice.LessThan(entry))
	require.True(t, decision.TakeProfitPrice.GreaterThan(entry))
}

func TestBelowConfidenceThresholdIsFlat(t *testing.T) {
	b := New(zap.NewNop(), DefaultConfig())
	votes := []types.Vote{{Tag: "weak", Vote: types.VoteBullish, Strength: 0.05}}
	decision := b.Decide(Inputs{
		Votes:  votes, Params: trendingUpParams(),
		Regime: types.RegimeState{Current: types.RegimeTrendingUp}, EntryPrice: decimal.NewFromFloat(100),
	})
	require.Equal(t, types.DirectionFlat, decision.Direction)
}
