// Package aggregator builds higher-timeframe candles and per-timeframe
// indicator snapshots from a one-minute candle stream, and backfills
// history from a pull API on startup. It follows a windowed-commit
// multiplexing pattern, with logger/mutex wiring matching the rest of
// the market-data path.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atlas-desktop/trading-backend/internal/indicators"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Provider is the pull-API boundary the aggregator backfills from. The
// concrete upstream wire format is out of scope; callers supply an
// adapter that already speaks Candle.
type Provider interface {
	FetchBars(ctx context.Context, symbol string, tf types.Timeframe, lookback time.Duration) ([]types.Candle, error)
}

// fixedTimeframes are the timeframes the aggregator ingests and commits
// directly from the 1m stream via period flooring.
var fixedTimeframes = []types.Timeframe{
	types.Timeframe1m, types.Timeframe5m, types.Timeframe15m, types.Timeframe30m,
	types.Timeframe1h, types.Timeframe4h, types.Timeframe1d,
}

// derivedTimeframes are rebuilt by grouping the 1d series rather than
// ingested directly.
var derivedTimeframes = []types.Timeframe{
	types.Timeframe5d, types.Timeframe1M, types.Timeframe3M, types.Timeframe6M,
	types.TimeframeYTD, types.TimeframeALL,
}

// Aggregator is the Multi-Timeframe Aggregator. It is the exclusive writer
// of every CandleSeries and IndicatorSnapshot it holds.
type Aggregator struct {
	mu     sync.RWMutex
	logger *zap.Logger
	symbol string

	series     map[types.Timeframe]*types.CandleSeries
	partial    map[types.Timeframe]*types.Candle
	indicators map[types.Timeframe]*types.IndicatorSnapshot

	lastIngestedMillis int64
	backfillLimiter    *rate.Limiter
}

// New constructs an Aggregator for one trading symbol.
func New(logger *zap.Logger, symbol string) *Aggregator {
	a := &Aggregator{
		logger:     logger.Named("aggregator"),
		symbol:     symbol,
		series:     make(map[types.Timeframe]*types.CandleSeries),
		partial:    make(map[types.Timeframe]*types.Candle),
		indicators: make(map[types.Timeframe]*types.IndicatorSnapshot),
	}
	for _, tf := range types.AllTimeframes() {
		a.series[tf] = &types.CandleSeries{Timeframe: tf}
	}
	return a
}

// Ingest processes one 1m candle. It is idempotent with respect to the
// timestamp already at the head of the 1m series, and drops out-of-order
// candles (earlier than the last ingested one) with a logged warning.
func (a *Aggregator) Ingest(candle types.Candle) error {
	if !candle.Valid() {
		a.logger.Warn("dropping malformed candle", zap.Int64("ts", candle.TimestampMillis))
		return fmt.Errorf("aggregator: malformed candle at %d", candle.TimestampMillis)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if candle.TimestampMillis == a.lastIngestedMillis {
		return nil // replay of the same 1m candle: no-op
	}
	if candle.TimestampMillis < a.lastIngestedMillis {
		a.logger.Warn("dropping out-of-order candle",
			zap.Int64("ts", candle.TimestampMillis), zap.Int64("lastIngested", a.lastIngestedMillis))
		return nil
	}
	a.lastIngestedMillis = candle.TimestampMillis

	a.commit(types.Timeframe1m, candle)

	committedDaily := false
	for _, tf := range fixedTimeframes {
		if tf == types.Timeframe1m {
			continue
		}
		if a.ingestIntoTimeframe(tf, candle) && tf == types.Timeframe1d {
			committedDaily = true
		}
	}

	if committedDaily {
		a.rebuildDerived()
	}

	return nil
}

// ingestIntoTimeframe folds c1m into tf's open partial candle, committing
// and rolling to a fresh window when the window boundary is crossed. It
// reports whether a commit happened.
func (a *Aggregator) ingestIntoTimeframe(tf types.Timeframe, c1m types.Candle) bool {
	period := tf.PeriodMillis()
	windowStart := types.FloorToPeriod(c1m.TimestampMillis, period)

	p, open := a.partial[tf]
	if !open || p == nil {
		a.partial[tf] = &types.Candle{
			TimestampMillis: windowStart,
			Open:            c1m.Open,
			High:            c1m.High,
			Low:             c1m.Low,
			Close:           c1m.Close,
			Volume:          c1m.Volume,
			TickCount:       c1m.TickCount,
		}
		return false
	}

	if p.TimestampMillis == windowStart {
		if c1m.High.GreaterThan(p.High) {
			p.High = c1m.High
		}
		if c1m.Low.LessThan(p.Low) {
			p.Low = c1m.Low
		}
		p.Close = c1m.Close
		p.Volume = p.Volume.Add(c1m.Volume)
		p.TickCount += c1m.TickCount
		return false
	}

	// New window: commit the prior partial, start a fresh one.
	a.commit(tf, *p)
	a.partial[tf] = &types.Candle{
		TimestampMillis: windowStart,
		Open:            c1m.Open,
		High:            c1m.High,
		Low:             c1m.Low,
		Close:           c1m.Close,
		Volume:          c1m.Volume,
		TickCount:       c1m.TickCount,
	}
	return true
}

func (a *Aggregator) commit(tf types.Timeframe, c types.Candle) {
	s := a.series[tf]
	s.Candles = append(s.Candles, c)
	cap := tf.SeriesCap()
	if len(s.Candles) > cap {
		s.Candles = s.Candles[len(s.Candles)-cap:]
	}
	if snap := indicators.Compute(*s); snap != nil {
		a.indicators[tf] = snap
	}
}

// Snapshot returns a read-only copy of the series and latest indicator
// bundle for one timeframe.
func (a *Aggregator) Snapshot(tf types.Timeframe) (types.CandleSeries, *types.IndicatorSnapshot) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.series[tf]
	if s == nil {
		return types.CandleSeries{Timeframe: tf}, nil
	}
	snap := a.indicators[tf]
	return s.Snapshot(), snap
}

// Backfill fetches history for every fixed timeframe from the provider,
// pacing requests with a rate limiter and bounding each call with a
// request timeout. A provider error on one timeframe only fails that
// timeframe; live ingestion continues for the rest.
func (a *Aggregator) Backfill(ctx context.Context, provider Provider, lookbackDays int, interRequestDelay, requestTimeout time.Duration) error {
	if a.backfillLimiter == nil {
		interval := interRequestDelay
		if interval <= 0 {
			interval = time.Millisecond
		}
		a.backfillLimiter = rate.NewLimiter(rate.Every(interval), 1)
	}

	lookback := time.Duration(lookbackDays) * 24 * time.Hour
	for _, tf := range fixedTimeframes {
		if err := a.backfillLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("aggregator: backfill rate limiter: %w", err)
		}
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		bars, err := provider.FetchBars(reqCtx, a.symbol, tf, lookback)
		cancel()
		if err != nil {
			a.logger.Warn("backfill failed for timeframe, continuing live-only",
				zap.String("timeframe", string(tf)), zap.Error(err))
			continue
		}
		a.loadSeries(tf, bars)
	}

	a.mu.Lock()
	a.rebuildDerived()
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) loadSeries(tf types.Timeframe, bars []types.Candle) {
	sort.Slice(bars, func(i, j int) bool { return bars[i].TimestampMillis < bars[j].TimestampMillis })

	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.series[tf]
	s.Candles = bars
	cap := tf.SeriesCap()
	if len(s.Candles) > cap {
		s.Candles = s.Candles[len(s.Candles)-cap:]
	}
	if snap := indicators.Compute(*s); snap != nil {
		a.indicators[tf] = snap
	}
}

// rebuildDerived recomputes {5d, 1M, 3M, 6M, YTD, ALL} by grouping the 1d
// series. Callers must hold a.mu.
func (a *Aggregator) rebuildDerived() {
	daily := a.series[types.Timeframe1d].Candles
	if len(daily) == 0 {
		return
	}

	a.loadDerivedLocked(types.Timeframe5d, groupFixed(daily, 5))
	a.loadDerivedLocked(types.Timeframe1M, groupCalendarMonths(daily, 1))
	a.loadDerivedLocked(types.Timeframe3M, groupCalendarMonths(daily, 3))
	a.loadDerivedLocked(types.Timeframe6M, groupCalendarMonths(daily, 6))
	a.loadDerivedLocked(types.TimeframeYTD, groupYTD(daily))
	a.loadDerivedLocked(types.TimeframeALL, groupAll(daily))
}

func (a *Aggregator) loadDerivedLocked(tf types.Timeframe, bars []types.Candle) {
	s := a.series[tf]
	s.Candles = bars
	cap := tf.SeriesCap()
	if len(s.Candles) > cap {
		s.Candles = s.Candles[len(s.Candles)-cap:]
	}
	if snap := indicators.Compute(*s); snap != nil {
		a.indicators[tf] = snap
	}
}

// ConfluenceResult is the weighted multi-timeframe bias computed by
// Confluence, with higher timeframes carrying more weight than 1m.
type ConfluenceResult struct {
	Bias       types.Trend
	Score      float64 // [-1,1]
	Confidence float64 // [0,1]
	PerTF      map[types.Timeframe]float64
}

var confluenceWeights = map[types.Timeframe]float64{
	types.Timeframe1m:  0.02,
	types.Timeframe5m:  0.05,
	types.Timeframe15m: 0.08,
	types.Timeframe30m: 0.1,
	types.Timeframe1h:  0.2,
	types.Timeframe4h:  0.25,
	types.Timeframe1d:  0.3,
}

// Confluence computes a weighted agreement score across the weighted
// timeframes (1m through 1d) that currently have an indicator snapshot; the
// derived timeframes (5d and above) are not scored.
func (a *Aggregator) Confluence() ConfluenceResult {
	a.mu.RLock()
	defer a.mu.RUnlock()

	perTF := make(map[types.Timeframe]float64)
	weightedSum := 0.0
	totalWeight := 0.0

	for tf, weight := range confluenceWeights {
		snap := a.indicators[tf]
		if snap == nil {
			continue
		}
		score := trendScore(snap)
		perTF[tf] = score
		weightedSum += score * weight
		totalWeight += weight
	}

	if totalWeight == 0 {
		return ConfluenceResult{Bias: types.TrendNeutral, PerTF: perTF}
	}

	final := weightedSum / totalWeight
	bias := types.TrendNeutral
	switch {
	case final > 0.15:
		bias = types.TrendBullish
	case final < -0.15:
		bias = types.TrendBearish
	}
	confidence := abs(final)
	if confidence > 1 {
		confidence = 1
	}

	return ConfluenceResult{Bias: bias, Score: final, Confidence: confidence, PerTF: perTF}
}

func trendScore(snap *types.IndicatorSnapshot) float64 {
	switch snap.Trend {
	case types.TrendBullish:
		return snap.TrendStrength
	case types.TrendBearish:
		return -snap.TrendStrength
	default:
		return 0
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
