// Package regime classifies the current market state and exposes
// regime-keyed parameters. The rolling-buffer-under-mutex structure and
// the regime-to-strategy-adjustment output shape follow an HMM-style
// detector, but classification itself is an explicit decision cascade
// rather than a hidden-Markov-model state estimate, since the
// 0.7-confidence commit rule wants a disclosed threshold test, not a
// latent probability.
package regime

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Config tunes the cascade thresholds, kept configurable rather than left
// as scattered literals.
type Config struct {
	UpdateEveryNCandles  int
	HighVolThreshold     float64
	LowVolThreshold      float64
	StrongTrendThreshold float64
	HighVolumeMultiple   float64
	BreakoutPricePos     float64
	BreakoutMomentumPct  float64
	CommitConfidence     float64
	LookbackBars         int
}

// DefaultConfig returns the cascade's default thresholds.
func DefaultConfig() Config {
	return Config{
		UpdateEveryNCandles:  5,
		HighVolThreshold:     0.02,
		LowVolThreshold:      0.003,
		StrongTrendThreshold: 0.7,
		HighVolumeMultiple:   1.5,
		BreakoutPricePos:     0.9,
		BreakoutMomentumPct:  0.02,
		CommitConfidence:     0.7,
		LookbackBars:         50,
	}
}

// Detector is the Market Regime Detector. It owns RegimeState exclusively;
// all other components read it through GetState (a value copy).
type Detector struct {
	mu     sync.RWMutex
	logger *zap.Logger
	config Config
	params map[types.Regime]types.RegimeParameters

	state          types.RegimeState
	ticksSinceEval int

	stats      map[types.Regime]*regimeStat
	statsSince time.Time
}

// regimeStat accumulates one regime's observed commit count and the
// cumulative wall-clock time it has been the current regime.
type regimeStat struct {
	Count    int
	Duration time.Duration
}

// RegimeStats summarizes how much time and how many commits each regime
// has accumulated since the Detector started.
type RegimeStats struct {
	Counts      map[types.Regime]int
	Durations   map[types.Regime]time.Duration
	Percentages map[types.Regime]float64
}

// New constructs a Detector with the initial state `ranging`.
func New(logger *zap.Logger, config Config) *Detector {
	return &Detector{
		logger: logger.Named("regime"),
		config: config,
		params: types.DefaultRegimeParameters(),
		state: types.RegimeState{
			Current:  types.RegimeRanging,
			Previous: types.RegimeRanging,
		},
		stats: make(map[types.Regime]*regimeStat),
	}
}

// Analyze computes the raw RegimeMetrics from a candle series and its
// indicator snapshot; it does not mutate the Detector's committed state.
func (d *Detector) Analyze(series types.CandleSeries, snap *types.IndicatorSnapshot) types.RegimeMetrics {
	candles := series.Candles
	lb := d.config.LookbackBars
	if len(candles) > lb {
		candles = candles[len(candles)-lb:]
	}
	if len(candles) < 2 {
		return types.RegimeMetrics{}
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i], _ = c.Close.Float64()
		highs[i], _ = c.High.Float64()
		lows[i], _ = c.Low.Float64()
		volumes[i], _ = c.Volume.Float64()
	}

	volatility := stdDevReturns(closes)
	trendStrength, trendDirection := trendOf(snap)
	trendStrength = blendWithRegressionSlope(closes, trendStrength, trendDirection)
	volumeRatio := ratioOfLastToMean(volumes)
	pricePosition := positionInRange(closes, highs, lows)
	momentum := rateOfChange(closes, min(20, len(closes)-1))

	return types.RegimeMetrics{
		Volatility:     volatility,
		TrendStrength:  trendStrength,
		TrendDirection: trendDirection,
		VolumeRatio:    volumeRatio,
		PricePosition:  pricePosition,
		Momentum:       momentum,
	}
}

// Classify runs the decision cascade over a set of metrics and returns the
// candidate regime plus its confidence, without committing.
func (d *Detector) Classify(m types.RegimeMetrics) (types.Regime, float64) {
	switch {
	case m.PricePosition > d.config.BreakoutPricePos &&
		m.VolumeRatio > d.config.HighVolumeMultiple &&
		m.Momentum > d.config.BreakoutMomentumPct:
		return types.RegimeBreakout, d.confidenceFor(types.RegimeBreakout, m)
	case m.PricePosition < (1-d.config.BreakoutPricePos) &&
		m.VolumeRatio > d.config.HighVolumeMultiple &&
		m.Momentum < -d.config.BreakoutMomentumPct:
		return types.RegimeBreakdown, d.confidenceFor(types.RegimeBreakdown, m)
	case m.Volatility > d.config.HighVolThreshold:
		return types.RegimeVolatile, d.confidenceFor(types.RegimeVolatile, m)
	case m.Volatility < d.config.LowVolThreshold:
		return types.RegimeQuiet, d.confidenceFor(types.RegimeQuiet, m)
	case m.TrendStrength > d.config.StrongTrendThreshold && m.TrendDirection > 0:
		return types.RegimeTrendingUp, d.confidenceFor(types.RegimeTrendingUp, m)
	case m.TrendStrength > d.config.StrongTrendThreshold && m.TrendDirection < 0:
		return types.RegimeTrendingDown, d.confidenceFor(types.RegimeTrendingDown, m)
	default:
		return types.RegimeRanging, d.confidenceFor(types.RegimeRanging, m)
	}
}

// confidenceFor computes the regime-specific confidence formula, bounded
// to [0,1].
func (d *Detector) confidenceFor(r types.Regime, m types.RegimeMetrics) float64 {
	var c float64
	switch r {
	case types.RegimeTrendingUp:
		c = m.TrendStrength * math.Max(0, m.TrendDirection)
	case types.RegimeTrendingDown:
		c = m.TrendStrength * math.Max(0, -m.TrendDirection)
	case types.RegimeVolatile:
		c = clamp01(m.Volatility / (d.config.HighVolThreshold * 2))
	case types.RegimeQuiet:
		if d.config.LowVolThreshold == 0 {
			c = 0
		} else {
			c = clamp01(1 - m.Volatility/d.config.LowVolThreshold)
		}
	case types.RegimeBreakout:
		c = clamp01(m.PricePosition * math.Min(m.VolumeRatio/d.config.HighVolumeMultiple, 1.5) / 1.5)
	case types.RegimeBreakdown:
		c = clamp01((1 - m.PricePosition) * math.Min(m.VolumeRatio/d.config.HighVolumeMultiple, 1.5) / 1.5)
	default: // ranging
		c = clamp01(1 - m.TrendStrength)
	}
	return clamp01(c)
}

// Commit updates `current` only when confidence exceeds the configured
// threshold or the candidate matches the already-current regime.
func (d *Detector) Commit(candidate types.Regime, confidence float64, m types.RegimeMetrics, now time.Time) types.RegimeState {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.statsSince.IsZero() {
		d.recordDurationLocked(d.state.Current, now.Sub(d.statsSince))
	}
	d.statsSince = now

	if confidence > d.config.CommitConfidence || candidate == d.state.Current {
		if candidate != d.state.Current {
			d.state.Previous = d.state.Current
		}
		d.state.Current = candidate
	}
	d.state.Strength = confidence
	d.state.Metrics = m
	d.state.LastUpdate = now
	d.statLocked(d.state.Current).Count++
	return d.state
}

// statLocked returns r's accumulator, creating it on first use. Callers
// must hold d.mu.
func (d *Detector) statLocked(r types.Regime) *regimeStat {
	s, ok := d.stats[r]
	if !ok {
		s = &regimeStat{}
		d.stats[r] = s
	}
	return s
}

func (d *Detector) recordDurationLocked(r types.Regime, elapsed time.Duration) {
	d.statLocked(r).Duration += elapsed
}

// GetStats returns a snapshot of per-regime commit counts, cumulative
// durations, and each regime's share of total observed time.
func (d *Detector) GetStats() RegimeStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[types.Regime]int, len(d.stats))
	durations := make(map[types.Regime]time.Duration, len(d.stats))
	var total time.Duration
	for r, s := range d.stats {
		counts[r] = s.Count
		durations[r] = s.Duration
		total += s.Duration
	}

	percentages := make(map[types.Regime]float64, len(d.stats))
	if total > 0 {
		for r, dur := range durations {
			percentages[r] = float64(dur) / float64(total)
		}
	}
	return RegimeStats{Counts: counts, Durations: durations, Percentages: percentages}
}

// Tick advances the update-frequency counter and runs Analyze, Classify,
// and Commit every UpdateEveryNCandles calls; it is a no-op otherwise and
// returns the unchanged current state.
func (d *Detector) Tick(series types.CandleSeries, snap *types.IndicatorSnapshot, now time.Time) types.RegimeState {
	d.mu.Lock()
	d.ticksSinceEval++
	due := d.ticksSinceEval >= d.config.UpdateEveryNCandles
	if due {
		d.ticksSinceEval = 0
	}
	d.mu.Unlock()

	if !due {
		return d.GetState()
	}

	m := d.Analyze(series, snap)
	candidate, confidence := d.Classify(m)
	return d.Commit(candidate, confidence, m, now)
}

// GetState returns a consistent copy of the owned RegimeState.
func (d *Detector) GetState() types.RegimeState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// GetParameters returns the immutable RegimeParameters for the requested
// regime, or for the current regime when r is empty.
func (d *Detector) GetParameters(r types.Regime) types.RegimeParameters {
	d.mu.RLock()
	target := r
	if target == "" {
		target = d.state.Current
	}
	d.mu.RUnlock()
	return d.params[target]
}

// GetVotes emits the regime's single Vote contribution to the ensemble.
func (d *Detector) GetVotes() []types.Vote {
	state := d.GetState()
	var dir types.VoteDirection
	switch state.Current {
	case types.RegimeTrendingUp, types.RegimeBreakout:
		dir = types.VoteBullish
	case types.RegimeTrendingDown, types.RegimeBreakdown:
		dir = types.VoteBearish
	default:
		dir = types.VoteFlat
	}
	strength := clamp01(state.Strength)
	return []types.Vote{{Tag: "REGIME:" + string(state.Current), Vote: dir, Strength: strength}.Clamp()}
}

func stdDevReturns(closes []float64) float64 {
	if len(closes) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}
	if len(returns) == 0 {
		return 0
	}
	return stat.StdDev(returns, nil)
}

// blendWithRegressionSlope confirms the indicator-derived trend strength
// against a least-squares fit over the lookback window's closes: a high
// correlation coefficient means price has been moving consistently in one
// direction, not just that the latest ADX reading says so.
func blendWithRegressionSlope(closes []float64, strength, direction float64) float64 {
	if len(closes) < 3 || direction == 0 {
		return strength
	}
	xs := make([]float64, len(closes))
	for i := range xs {
		xs[i] = float64(i)
	}
	r := stat.Correlation(xs, closes, nil)
	confirm := clamp01(math.Abs(r))
	return clamp01((strength + confirm) / 2)
}

func trendOf(snap *types.IndicatorSnapshot) (strength, direction float64) {
	if snap == nil {
		return 0, 0
	}
	strength = snap.TrendStrength
	switch snap.Trend {
	case types.TrendBullish:
		direction = 1
	case types.TrendBearish:
		direction = -1
	}
	return strength, direction
}

func ratioOfLastToMean(volumes []float64) float64 {
	if len(volumes) == 0 {
		return 1
	}
	sum := 0.0
	for _, v := range volumes {
		sum += v
	}
	mean := sum / float64(len(volumes))
	if mean == 0 {
		return 1
	}
	return volumes[len(volumes)-1] / mean
}

func positionInRange(closes, highs, lows []float64) float64 {
	if len(closes) == 0 {
		return 0.5
	}
	hi, lo := highs[0], lows[0]
	for i := range closes {
		if highs[i] > hi {
			hi = highs[i]
		}
		if lows[i] < lo {
			lo = lows[i]
		}
	}
	if hi == lo {
		return 0.5
	}
	return clamp01((closes[len(closes)-1] - lo) / (hi - lo))
}

func rateOfChange(closes []float64, bars int) float64 {
	if bars <= 0 || bars >= len(closes) {
		return 0
	}
	prior := closes[len(closes)-1-bars]
	if prior == 0 {
		return 0
	}
	return (closes[len(closes)-1] - prior) / prior
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

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
