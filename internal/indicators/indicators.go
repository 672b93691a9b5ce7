// Package indicators computes the per-timeframe technical indicator bundle
// the aggregator attaches to every committed candle series. Formulas follow
// the canonical definitions go-talib ships: a proper 9-period EMA of the
// MACD line, and Wilder's ADX rather than a consecutive-streak heuristic.
package indicators

import (
	"time"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

const (
	rsiPeriod       = 14
	smaFastPeriod   = 20
	smaSlowPeriod   = 50
	emaPeriod       = 20
	macdFast        = 12
	macdSlow        = 26
	macdSignal      = 9
	atrPeriod       = 14
	bollingerPeriod = 20
	bollingerWidth  = 2.0
	adxPeriod       = 14
	volumeMAPeriod  = 20
)

// Compute produces an IndicatorSnapshot from a candle series, or nil if the
// series has not yet reached the timeframe's minimum indicator length.
func Compute(series types.CandleSeries) *types.IndicatorSnapshot {
	n := len(series.Candles)
	if n < series.Timeframe.MinIndicatorLength() {
		return nil
	}

	closes := closesOf(series.Candles)
	highs := highsOf(series.Candles)
	lows := lowsOf(series.Candles)
	volumes := volumesOf(series.Candles)

	snap := &types.IndicatorSnapshot{Timeframe: series.Timeframe, ComputedAt: lastTime(series.Candles)}

	if v, ok := rsi(closes, rsiPeriod); ok {
		d := decimal.NewFromFloat(v)
		snap.RSI = &d
	}
	if v, ok := sma(closes, smaFastPeriod); ok {
		d := decimal.NewFromFloat(v)
		snap.SMAFast = &d
	}
	if v, ok := sma(closes, smaSlowPeriod); ok {
		d := decimal.NewFromFloat(v)
		snap.SMASlow = &d
	}
	if series, ok := emaSeries(closes, emaPeriod); ok {
		d := decimal.NewFromFloat(series[len(series)-1])
		snap.EMA = &d
	}
	if macd, ok := macdValue(closes); ok {
		snap.MACD = macd
	}
	if v, ok := atr(highs, lows, closes, atrPeriod); ok {
		d := decimal.NewFromFloat(v)
		snap.ATR = &d
	}
	if bb, ok := bollinger(closes, bollingerPeriod, bollingerWidth); ok {
		snap.Bollinger = bb
	}
	if v, ok := sma(volumes, volumeMAPeriod); ok && v > 0 {
		ratio := volumes[len(volumes)-1] / v
		d := decimal.NewFromFloat(ratio)
		snap.VolumeRatio = &d
	}

	adxVal, adxOK := adx(highs, lows, closes, adxPeriod)
	fastMA, haveFast := sma(closes, smaFastPeriod)
	slowMA, haveSlow := sma(closes, smaSlowPeriod)
	switch {
	case haveFast && haveSlow && fastMA > slowMA*1.001:
		snap.Trend = types.TrendBullish
	case haveFast && haveSlow && fastMA < slowMA*0.999:
		snap.Trend = types.TrendBearish
	default:
		snap.Trend = types.TrendNeutral
	}
	if adxOK {
		snap.TrendStrength = clamp01(adxVal / 50.0)
	}

	return snap
}

// SMASeries exposes the simple-moving-average helper to other packages
// (the MA crossover voter needs the same arithmetic the snapshot bundle
// uses, just at arbitrary periods).
func SMASeries(values []float64, period int) (float64, bool) { return sma(values, period) }

// EMASeries exposes the full exponential-moving-average series.
func EMASeries(values []float64, period int) ([]float64, bool) { return emaSeries(values, period) }

// Closes extracts close prices from a candle slice as float64.
func Closes(c []types.Candle) []float64 { return closesOf(c) }

func closesOf(c []types.Candle) []float64 { return mapDecimal(c, func(x types.Candle) decimal.Decimal { return x.Close }) }
func highsOf(c []types.Candle) []float64 { return mapDecimal(c, func(x types.Candle) decimal.Decimal { return x.High }) }
func lowsOf(c []types.Candle) []float64 { return mapDecimal(c, func(x types.Candle) decimal.Decimal { return x.Low }) }
func volumesOf(c []types.Candle) []float64 { return mapDecimal(c, func(x types.Candle) decimal.Decimal { return x.Volume }) }

func mapDecimal(c []types.Candle, f func(types.Candle) decimal.Decimal) []float64 {
	out := make([]float64, len(c))
	for i, x := range c {
		out[i], _ = f(x).Float64()
	}
	return out
}

func lastTime(c []types.Candle) time.Time {
	if len(c) == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c[len(c)-1].TimestampMillis).UTC()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// sma returns the simple moving average of the trailing `period` values.
func sma(values []float64, period int) (float64, bool) {
	if len(values) < period {
		return 0, false
	}
	sum := 0.0
	tail := values[len(values)-period:]
	for _, v := range tail {
		sum += v
	}
	return sum / float64(period), true
}

// emaSeries returns the full EMA series seeded by an SMA of the first
// `period` values.
func emaSeries(values []float64, period int) ([]float64, bool) {
	if len(values) < period {
		return nil, false
	}
	k := 2.0 / float64(period+1)
	seed, _ := sma(values[:period], period)
	out := make([]float64, 0, len(values)-period+1)
	out = append(out, seed)
	prev := seed
	for _, v := range values[period:] {
		prev = (v-prev)*k + prev
		out = append(out, prev)
	}
	return out, true
}

// rsi computes Wilder's RSI via go-talib's canonical implementation,
// taking the series' last fully-seasoned value.
func rsi(values []float64, period int) (float64, bool) {
	if len(values) < period+1 {
		return 0, false
	}
	out := talib.Rsi(values, period)
	return lastSeasoned(out, period)
}

// macdValue computes MACD via go-talib, which already applies the proper
// EMA-of-EMA signal line the design wants over a one-bar approximation.
func macdValue(closes []float64) (*types.MACDValue, bool) {
	if len(closes) < macdSlow+macdSignal {
		return nil, false
	}
	line, signal, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)
	l, ok := lastSeasoned(line, macdSlow+macdSignal)
	if !ok {
		return nil, false
	}
	s := signal[len(signal)-1]
	h := hist[len(hist)-1]
	return &types.MACDValue{
		Line:      decimal.NewFromFloat(l),
		Signal:    decimal.NewFromFloat(s),
		Histogram: decimal.NewFromFloat(h),
		Bullish:   h > 0,
	}, true
}

// atr computes Wilder's Average True Range via go-talib.
func atr(highs, lows, closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}
	out := talib.Atr(highs, lows, closes, period)
	return lastSeasoned(out, period)
}

// bollinger computes Bollinger Bands via go-talib, at `width` standard
// deviations around an SMA midline.
func bollinger(closes []float64, period int, width float64) (*types.BollingerValue, bool) {
	if len(closes) < period {
		return nil, false
	}
	upper, middle, lower := talib.BBands(closes, period, width, width, talib.SMA)
	mid, ok := lastSeasoned(middle, period)
	if !ok {
		return nil, false
	}
	up := upper[len(upper)-1]
	lo := lower[len(lower)-1]
	bandwidth := 0.0
	if mid != 0 {
		bandwidth = (up - lo) / mid
	}
	return &types.BollingerValue{
		Upper:     decimal.NewFromFloat(up),
		Mid:       decimal.NewFromFloat(mid),
		Lower:     decimal.NewFromFloat(lo),
		Bandwidth: decimal.NewFromFloat(bandwidth),
	}, true
}

// adx computes Wilder's Average Directional Index via go-talib, the
// canonical formulation the design prefers over a consecutive-streak
// heuristic.
func adx(highs, lows, closes []float64, period int) (float64, bool) {
	if len(closes) < period*2+1 {
		return 0, false
	}
	out := talib.Adx(highs, lows, closes, period)
	return lastSeasoned(out, period*2)
}

// lastSeasoned returns a talib output series' final value, rejecting it if
// the series hasn't cleared its unstable (zero-padded) warm-up region.
func lastSeasoned(series []float64, warmup int) (float64, bool) {
	if len(series) <= warmup {
		return 0, false
	}
	return series[len(series)-1], true
}
