package macross

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func seriesFromCloses(closes []float64) types.CandleSeries {
	candles := make([]types.Candle, len(closes))
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i, c := range closes {
		candles[i] = types.Candle{
			TimestampMillis: ts + int64(i)*60_000,
			Open:            decimal.NewFromFloat(c),
			High:            decimal.NewFromFloat(c + 0.1),
			Low:             decimal.NewFromFloat(c - 0.1),
			Close:           decimal.NewFromFloat(c),
			Volume:          decimal.NewFromFloat(10),
		}
	}
	return types.CandleSeries{Timeframe: types.Timeframe1m, Candles: candles}
}

func TestVotesClampedAndTagged(t *testing.T) {
	closes := make([]float64, 0, 260)
	price := 100.0
	for i := 0; i < 260; i++ {
		price += 0.6
		closes = append(closes, price)
	}
	series := seriesFromCloses(closes)

	voter := New(DefaultConfig())
	votes := voter.Update(series)

	for _, v := range votes {
		require.GreaterOrEqual(t, v.Strength, 0.0)
		require.LessOrEqual(t, v.Strength, 1.0)
		require.Contains(t, []types.VoteDirection{types.VoteBearish, types.VoteFlat, types.VoteBullish}, v.Vote)
		require.NotEmpty(t, v.Tag)
	}
}

func TestShortSeriesProducesNoVotes(t *testing.T) {
	voter := New(DefaultConfig())
	votes := voter.Update(seriesFromCloses([]float64{100, 101}))
	require.Empty(t, votes)
}
