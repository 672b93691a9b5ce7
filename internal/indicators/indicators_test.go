package indicators

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func syntheticSeries(n int, start float64, step float64) types.CandleSeries {
	candles := make([]types.Candle, n)
	price := start
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	for i := 0; i < n; i++ {
		price += step
		o := price - step/2
		c := price
		hi := price + 1
		lo := price - 1
		if o > c {
			hi = o + 1
			lo = c - 1
		}
		candles[i] = types.Candle{
			TimestampMillis: ts + int64(i)*60_000,
			Open:            decimal.NewFromFloat(o),
			High:            decimal.NewFromFloat(hi),
			Low:             decimal.NewFromFloat(lo),
			Close:           decimal.NewFromFloat(c),
			Volume:          decimal.NewFromFloat(100 + float64(i)),
			TickCount:       10,
		}
	}
	return types.CandleSeries{Timeframe: types.Timeframe1m, Candles: candles}
}

func TestComputeNilBelowMinimumLength(t *testing.T) {
	series := syntheticSeries(10, 100, 1)
	require.Nil(t, Compute(series))
}

func TestComputeBoundsOnUptrend(t *testing.T) {
	series := syntheticSeries(200, 100, 0.5)
	snap := Compute(series)
	require.NotNil(t, snap)
	require.NotNil(t, snap.RSI)
	rsiF, _ := snap.RSI.Float64()
	require.GreaterOrEqual(t, rsiF, 0.0)
	require.LessOrEqual(t, rsiF, 100.0)

	require.NotNil(t, snap.Bollinger)
	require.True(t, snap.Bollinger.Lower.LessThanOrEqual(snap.Bollinger.Mid))
	require.True(t, snap.Bollinger.Mid.LessThanOrEqual(snap.Bollinger.Upper))

	require.NotNil(t, snap.ATR)
	require.True(t, snap.ATR.GreaterThanOrEqual(decimal.Zero))

	require.GreaterOrEqual(t, snap.TrendStrength, 0.0)
	require.LessOrEqual(t, snap.TrendStrength, 1.0)

	require.Equal(t, types.TrendBullish, snap.Trend)
}

func TestRSIMonotoneOnPureUptrend(t *testing.T) {
	series := syntheticSeries(100, 100, 1)
	v, ok := rsi(closesOf(series.Candles), rsiPeriod)
	require.True(t, ok)
	require.InDelta(t, 100.0, v, 1.0)
}

func TestMACDHistogramSignOnStrongTrend(t *testing.T) {
	closes := make([]float64, 0, 100)
	price := 100.0
	for i := 0; i < 100; i++ {
		price += 2
		closes = append(closes, price)
	}
	m, ok := macdValue(closes)
	require.True(t, ok)
	require.True(t, m.Bullish)
}
