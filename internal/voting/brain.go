// Package voting implements the Indicator Ensemble & Voting Brain: it
// fuses every enabled voter's Vote contributions into a single
// TradeDecision. The Brain owns no state beyond the most recently produced
// TradeDecision — every input arrives as a
// value or a snapshot copy from the component that owns it.
package voting

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Config tunes the fallback stop/take-profit percentages used when no ATR
// is available, since the design's edge cases require the decision to
// degrade gracefully rather than abort.
type Config struct {
	FallbackStopLossPct   decimal.Decimal
	FallbackTakeProfitPct decimal.Decimal
}

// DefaultConfig returns the Brain's default fallback sizing.
func DefaultConfig() Config {
	return Config{
		FallbackStopLossPct:   decimal.NewFromFloat(0.015),
		FallbackTakeProfitPct: decimal.NewFromFloat(0.03),
	}
}

// Brain fuses votes into TradeDecisions.
type Brain struct {
	logger *zap.Logger
	config Config

	last types.TradeDecision
}

// New constructs a Brain.
func New(logger *zap.Logger, config Config) *Brain {
	return &Brain{logger: logger.Named("voting"), config: config}
}

// Inputs bundles everything one Decide call needs. Every field is a
// value or a read-only snapshot owned elsewhere (the design ownership
// summary): the Brain never mutates CandleSeries, RegimeState, or
// PatternRecord storage.
type Inputs struct {
	Symbol                string
	Votes                 []types.Vote
	Regime                types.RegimeState
	Params                types.RegimeParameters
	PatternComposite      float64
	ATR                   *decimal.Decimal
	EntryPrice            decimal.Decimal
	CandleTimestampMillis int64
	// TPOStopLossPrice / TPOTakeProfitPrice override the ATR-derived
	// levels when a TPO vote triggered this decision.
	TPOStopLossPrice   *decimal.Decimal
	TPOTakeProfitPrice *decimal.Decimal
}

// Decide runs the voting algorithm over one set of Inputs.
func (b *Brain) Decide(in Inputs) types.TradeDecision {
	votes := append([]types.Vote{}, in.Votes...)
	if patternVote, ok := patternQualityVote(in.PatternComposite); ok {
		votes = append(votes, patternVote)
	}

	bullish, bearish := sumByDirection(votes)
	rawDirection := sign(bullish - bearish)
	rawConfidence := clamp01(abs(bullish - bearish))

	decision := types.TradeDecision{
		Symbol:          in.Symbol,
		SourceVotes:     votes,
		Confidence:      rawConfidence,
		CandleTimestamp: in.CandleTimestampMillis,
		EntryPrice:      in.EntryPrice,
	}

	if rawDirection == 0 || rawConfidence < in.Params.ConfidenceThreshold {
		decision.Direction = types.DirectionFlat
		decision.SizeMultiplier = 0
		decision.ReasonTags = []string{"GATE:below_confidence_threshold"}
		b.recordAndReturn(decision)
		return decision
	}

	if rawDirection > 0 {
		decision.Direction = types.DirectionLong
	} else {
		decision.Direction = types.DirectionShort
	}

	riskMultiplier, _ := in.Params.RiskMultiplier.Float64()
	patternMultiplier := sizeMultiplier(in.PatternComposite)
	decision.SizeMultiplier = clampSize(riskMultiplier * patternMultiplier)

	decision.StopLossPrice, decision.TakeProfitPrice = stopAndTarget(in, decision.Direction, b.config)
	decision.ReasonTags = reasonTags(votes, rawDirection, in.Regime.Current)

	b.recordAndReturn(decision)
	return decision
}

func (b *Brain) recordAndReturn(d types.TradeDecision) {
	b.last = d
}

// Last returns the most recently produced TradeDecision.
func (b *Brain) Last() types.TradeDecision {
	return b.last
}

// stopAndTarget derives stopLossPrice/takeProfitPrice from ATR × the
// regime's multipliers, falling back to fixed percentages when ATR is
// unavailable (the design edge case), then lets a TPO-sourced override win.
func stopAndTarget(in Inputs, direction types.TradeDirection, cfg Config) (decimal.Decimal, decimal.Decimal) {
	entry := in.EntryPrice
	var stopLoss, takeProfit decimal.Decimal

	if in.ATR != nil {
		slDist := in.ATR.Mul(in.Params.StopLossMultiplier)
		tpDist := in.ATR.Mul(in.Params.TakeProfitMultiplier)
		if direction == types.DirectionLong {
			stopLoss = entry.Sub(slDist)
			takeProfit = entry.Add(tpDist)
		} else {
			stopLoss = entry.Add(slDist)
			takeProfit = entry.Sub(tpDist)
		}
	} else {
		slPct := entry.Mul(cfg.FallbackStopLossPct)
		tpPct := entry.Mul(cfg.FallbackTakeProfitPct)
		if direction == types.DirectionLong {
			stopLoss = entry.Sub(slPct)
			takeProfit = entry.Add(tpPct)
		} else {
			stopLoss = entry.Add(slPct)
			takeProfit = entry.Sub(tpPct)
		}
	}

	if in.TPOStopLossPrice != nil {
		stopLoss = *in.TPOStopLossPrice
	}
	if in.TPOTakeProfitPrice != nil {
		takeProfit = *in.TPOTakeProfitPrice
	}
	return stopLoss, takeProfit
}

// reasonTags lists the tags of votes agreeing with the committed direction,
// in a stable order, followed by the regime that gated the decision.
func reasonTags(votes []types.Vote, direction int, regime types.Regime) []string {
	var tags []string
	for _, v := range votes {
		if int(v.Vote) == direction {
			tags = append(tags, v.Tag)
		}
	}
	sort.Strings(tags)
	tags = append(tags, "REGIME:"+string(regime))
	return tags
}

// patternQualityVote converts the pattern-memory composite score into a
// Vote so it participates in the bullish/bearish sums alongside the
// other voters.
func patternQualityVote(composite float64) (types.Vote, bool) {
	if composite == 0 {
		return types.Vote{}, false
	}
	dir := types.VoteBullish
	if composite < 0 {
		dir = types.VoteBearish
	}
	return types.Vote{Tag: "PATTERN:QUALITY", Vote: dir, Strength: abs(composite)}.Clamp(), true
}

// sizeMultiplier mirrors internal/pattern.SizeMultiplier's piecewise table;
// duplicated here (rather than imported) to keep the Brain decoupled from
// the Pattern Memory's storage concerns — it depends only on the composite
// score value, which is computed and passed in by the caller.
func sizeMultiplier(composite float64) float64 {
	switch {
	case composite <= -0.5:
		return 0.25
	case composite <= 0:
		return 0.5
	case composite <= 0.5:
		return 1.0
	default:
		return 1.5
	}
}

func sumByDirection(votes []types.Vote) (bullish, bearish float64) {
	for _, v := range votes {
		switch v.Vote {
		case types.VoteBullish:
			bullish += v.Strength
		case types.VoteBearish:
			bearish += v.Strength
		}
	}
	return bullish, bearish
}

func sign(v float64) int {
	switch {
	case v > 1e-9:
		return 1
	case v < -1e-9:
		return -1
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

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampSize(v float64) float64 {
	if v < 0.25 {
		return 0.25
	}
	if v > 1.5 {
		return 1.5
	}
	return v
}
