package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is an immutable OHLCV bar for one Timeframe. It is created by the
// aggregator when a partial candle closes and is never mutated afterward.
type Candle struct {
	TimestampMillis int64           `json:"timestampMillis"`
	Open            decimal.Decimal `json:"open"`
	High            decimal.Decimal `json:"high"`
	Low             decimal.Decimal `json:"low"`
	Close           decimal.Decimal `json:"close"`
	Volume          decimal.Decimal `json:"volume"`
	TickCount       int             `json:"tickCount"`
}

// Valid checks the OHLC consistency invariant: low <= min(open,close) <=
// max(open,close) <= high, and volume >= 0.
func (c Candle) Valid() bool {
	if c.Volume.IsNegative() {
		return false
	}
	lo := decimalMin(c.Open, c.Close)
	hi := decimalMax(c.Open, c.Close)
	return !c.Low.GreaterThan(lo) && !hi.GreaterThan(c.High)
}

func decimalMin(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func decimalMax(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// CandleSeries is an ordered, bounded sequence of Candles for one Timeframe.
// It is owned exclusively by the aggregator; callers elsewhere only ever see
// a Snapshot copy.
type CandleSeries struct {
	Timeframe Timeframe
	Candles   []Candle
}

// Snapshot returns a defensive copy of the series suitable for read-only
// consumption outside the aggregator's single-writer goroutine.
func (s *CandleSeries) Snapshot() CandleSeries {
	cp := make([]Candle, len(s.Candles))
	copy(cp, s.Candles)
	return CandleSeries{Timeframe: s.Timeframe, Candles: cp}
}

// Last returns the most recently committed candle, if any.
func (s *CandleSeries) Last() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// MACDValue bundles the MACD line, its signal-line histogram, and the
// derived bullish flag.
type MACDValue struct {
	Line      decimal.Decimal `json:"line"`
	Signal    decimal.Decimal `json:"signal"`
	Histogram decimal.Decimal `json:"histogram"`
	Bullish   bool            `json:"bullish"`
}

// BollingerValue bundles Bollinger Band outputs.
type BollingerValue struct {
	Upper     decimal.Decimal `json:"upper"`
	Mid       decimal.Decimal `json:"mid"`
	Lower     decimal.Decimal `json:"lower"`
	Bandwidth decimal.Decimal `json:"bandwidth"`
}

// Trend is the qualitative direction an IndicatorSnapshot assigns to a
// timeframe.
type Trend string

const (
	TrendBullish Trend = "bullish"
	TrendBearish Trend = "bearish"
	TrendNeutral Trend = "neutral"
)

// IndicatorSnapshot is the per-timeframe value bundle computed once a series
// reaches its minimum indicator length. Any pointer field is nil when the
// underlying computation lacks sufficient history.
type IndicatorSnapshot struct {
	Timeframe     Timeframe        `json:"timeframe"`
	RSI           *decimal.Decimal `json:"rsi,omitempty"`
	SMAFast       *decimal.Decimal `json:"smaFast,omitempty"`
	SMASlow       *decimal.Decimal `json:"smaSlow,omitempty"`
	EMA           *decimal.Decimal `json:"ema,omitempty"`
	MACD          *MACDValue       `json:"macd,omitempty"`
	ATR           *decimal.Decimal `json:"atr,omitempty"`
	Bollinger     *BollingerValue  `json:"bollinger,omitempty"`
	Trend         Trend            `json:"trend"`
	TrendStrength float64          `json:"trendStrength"`
	VolumeRatio   *decimal.Decimal `json:"volumeRatio,omitempty"`
	ComputedAt    time.Time        `json:"computedAt"`
}

// Regime is a market-state label produced by the regime detector.
type Regime string

const (
	RegimeTrendingUp   Regime = "trending_up"
	RegimeTrendingDown Regime = "trending_down"
	RegimeRanging      Regime = "ranging"
	RegimeVolatile     Regime = "volatile"
	RegimeQuiet        Regime = "quiet"
	RegimeBreakout     Regime = "breakout"
	RegimeBreakdown    Regime = "breakdown"
)

// RegimeMetrics are the raw inputs the detector computed in order to
// classify the current regime.
type RegimeMetrics struct {
	Volatility    float64 `json:"volatility"`
	TrendStrength float64 `json:"trendStrength"`
	TrendDirection float64 `json:"trendDirection"` // [-1,1]
	VolumeRatio float64 `json:"volumeRatio"`
	PricePosition float64 `json:"pricePosition"` // [0,1]
	Momentum float64 `json:"momentum"`
}

// RegimeState is the detector's single owned piece of state.
type RegimeState struct {
	Current    Regime        `json:"current"`
	Previous   Regime        `json:"previous"`
	Strength   float64       `json:"strength"`
	Metrics    RegimeMetrics `json:"metrics"`
	LastUpdate time.Time     `json:"lastUpdate"`
}

// RegimeParameters is the immutable per-regime constant table.
type RegimeParameters struct {
	RiskMultiplier       decimal.Decimal  `json:"riskMultiplier"`
	ConfidenceThreshold  float64          `json:"confidenceThreshold"`
	StopLossMultiplier   decimal.Decimal  `json:"stopLossMultiplier"`
	TakeProfitMultiplier decimal.Decimal  `json:"takeProfitMultiplier"`
	IndicatorWeights     IndicatorWeights `json:"indicatorWeights"`
}

// IndicatorWeights distributes ensemble weight across the four broad
// indicator families a regime favors.
type IndicatorWeights struct {
	Trend      float64 `json:"trend"`
	Momentum   float64 `json:"momentum"`
	Volume     float64 `json:"volume"`
	Volatility float64 `json:"volatility"`
}

// VoteDirection is a voter's directional call.
type VoteDirection int

const (
	VoteBearish VoteDirection = -1
	VoteFlat    VoteDirection = 0
	VoteBullish VoteDirection = 1
)

// Vote is a single contribution from one voter to the ensemble.
type Vote struct {
	Tag      string        `json:"tag"`
	Vote     VoteDirection `json:"vote"`
	Strength float64       `json:"strength"`
}

// Clamp returns a copy of the vote with Strength clamped to [0,1] and Vote
// clamped to {-1,0,+1}.
func (v Vote) Clamp() Vote {
	if v.Strength < 0 {
		v.Strength = 0
	}
	if v.Strength > 1 {
		v.Strength = 1
	}
	if v.Vote < VoteBearish {
		v.Vote = VoteBearish
	}
	if v.Vote > VoteBullish {
		v.Vote = VoteBullish
	}
	return v
}

// PatternResult is one realized outcome recorded against a feature key.
type PatternResult struct {
	PnLPct          float64 `json:"pnlPct"`
	TimestampMillis int64   `json:"timestampMillis"`
}

// PatternRecord is keyed by a quantized feature fingerprint (see
// internal/pattern for fingerprint construction).
type PatternRecord struct {
	TimesSeen   int             `json:"timesSeen"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	TotalPnLPct float64         `json:"totalPnLPct"`
	Results     []PatternResult `json:"results"`
}

// TradeDirection is the Voting Brain's directional output.
type TradeDirection string

const (
	DirectionLong  TradeDirection = "long"
	DirectionShort TradeDirection = "short"
	DirectionFlat  TradeDirection = "flat"
)

// TradeDecision is the Voting Brain's sole output and the Safety Fabric's
// sole input on the order path.
type TradeDecision struct {
	Direction       TradeDirection  `json:"direction"`
	Confidence      float64         `json:"confidence"`
	SizeMultiplier  float64         `json:"sizeMultiplier"`
	StopLossPrice   decimal.Decimal `json:"stopLossPrice"`
	TakeProfitPrice decimal.Decimal `json:"takeProfitPrice"`
	ReasonTags      []string        `json:"reasonTags"`
	SourceVotes     []Vote          `json:"sourceVotes"`
	Symbol          string          `json:"symbol"`
	EntryPrice      decimal.Decimal `json:"entryPrice"`
	CandleTimestamp int64           `json:"candleTimestampMillis"`
}

// SafetyState is owned exclusively by the Safety Fabric; all reads elsewhere
// are of a consistent copy.
type SafetyState struct {
	KillSwitchOn             bool            `json:"killSwitchOn"`
	TradingPaused            bool            `json:"tradingPaused"`
	PauseReason              string          `json:"pauseReason,omitempty"`
	PausedAt                 time.Time       `json:"pausedAt,omitempty"`
	PerModuleErrorCounts     map[string]int  `json:"perModuleErrorCounts"`
	CircuitBreakerOpen       map[string]bool `json:"circuitBreakerOpen"`
	FeedStale                bool            `json:"feedStale"`
	LoopStalled              bool            `json:"loopStalled"`
	ReconciliationDriftUnits decimal.Decimal `json:"reconciliationDriftUnits"`
	LastReconciliationAt     time.Time       `json:"lastReconciliationAt"`
}

// AlertSeverity classifies an AlertFrame for dashboard triage: critical
// conditions halt trading, info events report their recovery.
type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "critical"
	AlertSeverityInfo     AlertSeverity = "info"
)

// AlertFrame is the wire shape of the relay's "alert" frame: a kill-switch
// toggle or a pause/resume, with the moment it took effect.
type AlertFrame struct {
	Severity       AlertSeverity `json:"severity"`
	Reason         string        `json:"reason"`
	SinceTimestamp int64         `json:"sinceTimestamp"`
}

// IntentStatus tracks an IntentRecord's lifecycle in the idempotency cache.
type IntentStatus string

const (
	IntentStatusSubmitted IntentStatus = "submitted"
	IntentStatusAccepted  IntentStatus = "accepted"
	IntentStatusRejected  IntentStatus = "rejected"
)

// IntentRecord backs idempotent order submission.
type IntentRecord struct {
	IntentID      string          `json:"intentId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	CreatedAt     time.Time       `json:"createdAt"`
	Status        IntentStatus    `json:"status"`
	TTL           time.Duration   `json:"ttl"`
	OrderID       string          `json:"orderId,omitempty"`
}

// Expired reports whether the intent has aged past its TTL as of now.
func (r IntentRecord) Expired(now time.Time) bool {
	return now.Sub(r.CreatedAt) > r.TTL
}

// NormalizeSymbol converts broker-style symbols (BTC-USD, BTC_USD) into the
// internal canonical form BTC/USD.
func NormalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	symbol = strings.ReplaceAll(symbol, "-", "/")
	symbol = strings.ReplaceAll(symbol, "_", "/")
	return symbol
}

// FloorToPeriod floors a millisecond timestamp to the start of the period
// window it belongs to, for fixed-period (non calendar-aligned) timeframes.
func FloorToPeriod(timestampMillis, periodMillis int64) int64 {
	if periodMillis <= 0 {
		return timestampMillis
	}
	return (timestampMillis / periodMillis) * periodMillis
}

// String implements fmt.Stringer for Regime so log lines read naturally.
func (r Regime) String() string { return string(r) }

// String implements fmt.Stringer for TradeDirection.
func (d TradeDirection) String() string { return string(d) }

// DefaultRegimeParameters returns the immutable regime→parameters table.
// Thresholds and multipliers are kept together here rather than scattered
// as literals; no configuration setting overrides them.
func DefaultRegimeParameters() map[Regime]RegimeParameters {
	return map[Regime]RegimeParameters{
		RegimeTrendingUp: {
			RiskMultiplier:       decimal.NewFromFloat(1.2),
			ConfidenceThreshold:  0.25,
			StopLossMultiplier:   decimal.NewFromFloat(1.5),
			TakeProfitMultiplier: decimal.NewFromFloat(3.0),
			IndicatorWeights:     IndicatorWeights{Trend: 0.4, Momentum: 0.3, Volume: 0.15, Volatility: 0.15},
		},
		RegimeTrendingDown: {
			RiskMultiplier:       decimal.NewFromFloat(1.2),
			ConfidenceThreshold:  0.25,
			StopLossMultiplier:   decimal.NewFromFloat(1.5),
			TakeProfitMultiplier: decimal.NewFromFloat(3.0),
			IndicatorWeights:     IndicatorWeights{Trend: 0.4, Momentum: 0.3, Volume: 0.15, Volatility: 0.15},
		},
		RegimeRanging: {
			RiskMultiplier:       decimal.NewFromFloat(0.8),
			ConfidenceThreshold:  0.35,
			StopLossMultiplier:   decimal.NewFromFloat(1.0),
			TakeProfitMultiplier: decimal.NewFromFloat(1.5),
			IndicatorWeights:     IndicatorWeights{Trend: 0.15, Momentum: 0.25, Volume: 0.2, Volatility: 0.4},
		},
		RegimeVolatile: {
			RiskMultiplier:       decimal.NewFromFloat(0.5),
			ConfidenceThreshold:  0.45,
			StopLossMultiplier:   decimal.NewFromFloat(2.0),
			TakeProfitMultiplier: decimal.NewFromFloat(2.0),
			IndicatorWeights:     IndicatorWeights{Trend: 0.2, Momentum: 0.2, Volume: 0.2, Volatility: 0.4},
		},
		RegimeQuiet: {
			RiskMultiplier:       decimal.NewFromFloat(0.6),
			ConfidenceThreshold:  0.4,
			StopLossMultiplier:   decimal.NewFromFloat(0.8),
			TakeProfitMultiplier: decimal.NewFromFloat(1.2),
			IndicatorWeights:     IndicatorWeights{Trend: 0.2, Momentum: 0.2, Volume: 0.3, Volatility: 0.3},
		},
		RegimeBreakout: {
			RiskMultiplier:       decimal.NewFromFloat(1.4),
			ConfidenceThreshold:  0.3,
			StopLossMultiplier:   decimal.NewFromFloat(1.8),
			TakeProfitMultiplier: decimal.NewFromFloat(3.5),
			IndicatorWeights:     IndicatorWeights{Trend: 0.3, Momentum: 0.35, Volume: 0.25, Volatility: 0.1},
		},
		RegimeBreakdown: {
			RiskMultiplier:       decimal.NewFromFloat(1.4),
			ConfidenceThreshold:  0.3,
			StopLossMultiplier:   decimal.NewFromFloat(1.8),
			TakeProfitMultiplier: decimal.NewFromFloat(3.5),
			IndicatorWeights:     IndicatorWeights{Trend: 0.3, Momentum: 0.35, Volume: 0.25, Volatility: 0.1},
		},
	}
}

// ValidateRegime returns an error if r is not one of the seven known labels.
func ValidateRegime(r Regime) error {
	switch r {
	case RegimeTrendingUp, RegimeTrendingDown, RegimeRanging, RegimeVolatile,
		RegimeQuiet, RegimeBreakout, RegimeBreakdown:
		return nil
	default:
		return fmt.Errorf("unknown regime %q", r)
	}
}
