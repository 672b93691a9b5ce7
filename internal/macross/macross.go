// Package macross implements the MA Crossover/Divergence voter: five
// moving-average pairs, time-decaying crossover votes, and a per-pair
// divergence state machine that can emit snapback or blowoff votes,
// built on the indicators package's series arithmetic.
package macross

import (
	"fmt"
	"sync"

	"github.com/atlas-desktop/trading-backend/internal/indicators"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// MAType selects which moving-average family a pair compares.
type MAType string

const (
	MATypeEMA MAType = "EMA"
	MATypeSMA MAType = "SMA"
)

// PairSpec names one of the five monitored MA pairs and its vote weight.
type PairSpec struct {
	Name       string
	FastPeriod int
	SlowPeriod int
	Type       MAType
	Weight     float64
}

// Pairs is the fixed set of five monitored MA pairs.
var Pairs = []PairSpec{
	{Name: "EMA9_20", FastPeriod: 9, SlowPeriod: 20, Type: MATypeEMA, Weight: 0.15},
	{Name: "EMA20_50", FastPeriod: 20, SlowPeriod: 50, Type: MATypeEMA, Weight: 0.2},
	{Name: "EMA50_200", FastPeriod: 50, SlowPeriod: 200, Type: MATypeEMA, Weight: 0.25},
	{Name: "SMA20_50", FastPeriod: 20, SlowPeriod: 50, Type: MATypeSMA, Weight: 0.15},
	{Name: "SMA50_200", FastPeriod: 50, SlowPeriod: 200, Type: MATypeSMA, Weight: 0.25},
}

// DivergenceState is a pair's spread-history classification.
type DivergenceState string

const (
	DivergenceNormal       DivergenceState = "normal"
	DivergenceDiverging    DivergenceState = "diverging"
	DivergenceOverextended DivergenceState = "overextended"
	DivergenceSnapbackZone DivergenceState = "snapback_zone"
	DivergenceBlowoff      DivergenceState = "blowoff"
)

// Config tunes the voter's thresholds.
type Config struct {
	MinSeparationPct         float64 // minimum abs spread %, as a fraction of mid, to count as a cross
	SignalDecayBars          int
	ConfluenceMinPairs       int
	OverextendedThresholdPct float64
	ConfluenceBonusStrength  float64
}

// DefaultConfig returns the voter's default tuning.
func DefaultConfig() Config {
	return Config{
		MinSeparationPct:         0.0005,
		SignalDecayBars:          20,
		ConfluenceMinPairs:       3,
		OverextendedThresholdPct: 0.02,
		ConfluenceBonusStrength:  0.1,
	}
}

type crossLifecycle string

const (
	lifecycleInactive crossLifecycle = "inactive"
	lifecycleActive   crossLifecycle = "active"
	lifecycleDecaying crossLifecycle = "decaying"
	lifecycleExpired  crossLifecycle = "expired"
)

type pairState struct {
	lifecycle      crossLifecycle
	direction      types.VoteDirection
	barsSinceCross int
	spreadHistory  []float64 // most recent first
	divergence     DivergenceState
	narrowingBars  int
}

// Voter is the MA Crossover/Divergence voter. One instance tracks state for
// all five pairs of a single timeframe's series.
type Voter struct {
	mu     sync.Mutex
	config Config
	states map[string]*pairState
}

// New constructs a Voter with fresh (inactive) per-pair state.
func New(config Config) *Voter {
	v := &Voter{config: config, states: make(map[string]*pairState)}
	for _, p := range Pairs {
		v.states[p.Name] = &pairState{lifecycle: lifecycleInactive, divergence: DivergenceNormal}
	}
	return v
}

// Update folds the latest candle series into each pair's state machine and
// returns every Vote produced on this call (crossovers, snapback, blowoff,
// and any confluence bonus).
func (v *Voter) Update(series types.CandleSeries) []types.Vote {
	closes := indicators.Closes(series.Candles)
	if len(closes) < 3 {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var votes []types.Vote
	bullishActive, bearishActive := 0, 0

	for _, spec := range Pairs {
		fast, okFast := maSeries(closes, spec.FastPeriod, spec.Type)
		slow, okSlow := maSeries(closes, spec.SlowPeriod, spec.Type)
		if !okFast || !okSlow || len(fast) < 2 || len(slow) < 2 {
			continue
		}
		offset := len(fast) - len(slow)
		if offset < 0 {
			offset = 0
		}
		fastAligned := fast[offset:]
		n := len(fastAligned)
		if n < 2 || len(slow) < 2 {
			continue
		}
		mid := slow[len(slow)-1]
		if mid == 0 {
			continue
		}
		spreadNow := (fastAligned[n-1] - slow[len(slow)-1]) / mid
		spreadPrev := (fastAligned[n-2] - slow[len(slow)-2]) / mid

		st := v.states[spec.Name]
		st.spreadHistory = prepend(st.spreadHistory, spreadNow, 10)

		if tagVotes := v.updateCrossLifecycle(spec, st, spreadPrev, spreadNow); len(tagVotes) > 0 {
			votes = append(votes, tagVotes...)
		}
		if tagVotes := v.updateDivergence(spec, st, spreadNow); len(tagVotes) > 0 {
			votes = append(votes, tagVotes...)
		}

		if st.lifecycle == lifecycleActive || st.lifecycle == lifecycleDecaying {
			switch st.direction {
			case types.VoteBullish:
				bullishActive++
			case types.VoteBearish:
				bearishActive++
			}
		}
	}

	if bullishActive >= v.config.ConfluenceMinPairs {
		votes = append(votes, types.Vote{Tag: "MA_CONFLUENCE:bullish", Vote: types.VoteBullish, Strength: v.config.ConfluenceBonusStrength}.Clamp())
	}
	if bearishActive >= v.config.ConfluenceMinPairs {
		votes = append(votes, types.Vote{Tag: "MA_CONFLUENCE:bearish", Vote: types.VoteBearish, Strength: v.config.ConfluenceBonusStrength}.Clamp())
	}

	return votes
}

// updateCrossLifecycle advances {inactive→active@bar0→decaying→expired} and
// emits the time-decaying crossover vote while active/decaying. A new cross
// in the opposite direction replaces the active vote rather than coexisting
// with it.
func (v *Voter) updateCrossLifecycle(spec PairSpec, st *pairState, prevSpread, nowSpread float64) []types.Vote {
	signFlipped := (prevSpread <= 0 && nowSpread > 0) || (prevSpread >= 0 && nowSpread < 0)
	absSpread := abs(nowSpread)

	if signFlipped && absSpread >= v.config.MinSeparationPct {
		direction := types.VoteBullish
		if nowSpread < 0 {
			direction = types.VoteBearish
		}
		st.lifecycle = lifecycleActive
		st.direction = direction
		st.barsSinceCross = 0
	} else if st.lifecycle == lifecycleActive || st.lifecycle == lifecycleDecaying {
		st.barsSinceCross++
		if st.barsSinceCross >= v.config.SignalDecayBars {
			st.lifecycle = lifecycleExpired
		} else {
			st.lifecycle = lifecycleDecaying
		}
	}

	if st.lifecycle != lifecycleActive && st.lifecycle != lifecycleDecaying {
		return nil
	}

	decayFactor := 1.0 - float64(st.barsSinceCross)/float64(v.config.SignalDecayBars)
	if decayFactor < 0 {
		decayFactor = 0
	}
	strength := spec.Weight * decayFactor
	label := "golden_cross"
	if st.direction == types.VoteBearish {
		label = "death_cross"
	}
	return []types.Vote{{
		Tag:      fmt.Sprintf("MA_CROSS:%s:%s", spec.Name, label),
		Vote:     st.direction,
		Strength: strength,
	}.Clamp()}
}

// updateDivergence advances the {normal ↔ diverging → overextended →
// (snapback_zone | blowoff)} lifecycle and emits the resulting vote, if
// any.
func (v *Voter) updateDivergence(spec PairSpec, st *pairState, spreadNow float64) []types.Vote {
	absSpread := abs(spreadNow)
	overextended := absSpread >= v.config.OverextendedThresholdPct

	narrowing := false
	accelerating := false
	if len(st.spreadHistory) >= 2 {
		narrowing = abs(st.spreadHistory[0]) < abs(st.spreadHistory[1])
		accelerating = abs(st.spreadHistory[0]) > abs(st.spreadHistory[1])
	}

	if narrowing {
		st.narrowingBars++
	} else {
		st.narrowingBars = 0
	}

	switch st.divergence {
	case DivergenceNormal:
		if overextended {
			st.divergence = DivergenceOverextended
		} else if absSpread > v.config.OverextendedThresholdPct/2 {
			st.divergence = DivergenceDiverging
		}
	case DivergenceDiverging:
		if overextended {
			st.divergence = DivergenceOverextended
		} else if absSpread < v.config.OverextendedThresholdPct/2 {
			st.divergence = DivergenceNormal
		}
	case DivergenceOverextended:
		if overextended && st.narrowingBars >= 3 {
			st.divergence = DivergenceSnapbackZone
		} else if overextended && accelerating {
			st.divergence = DivergenceBlowoff
		} else if !overextended {
			st.divergence = DivergenceDiverging
		}
	case DivergenceSnapbackZone:
		if !overextended {
			st.divergence = DivergenceNormal
		} else if accelerating {
			st.divergence = DivergenceBlowoff
		}
	case DivergenceBlowoff:
		if !accelerating {
			st.divergence = DivergenceOverextended
		}
	}

	switch st.divergence {
	case DivergenceSnapbackZone:
		dir := types.VoteBearish
		if spreadNow < 0 {
			dir = types.VoteBullish
		}
		return []types.Vote{{
			Tag:      fmt.Sprintf("MA_SNAPBACK:%s", spec.Name),
			Vote:     dir,
			Strength: absSpread,
		}.Clamp()}
	case DivergenceBlowoff:
		// Negative vote against chasing the move: opposes the direction the
		// spread itself implies.
		dir := types.VoteBearish
		if spreadNow < 0 {
			dir = types.VoteBullish
		}
		return []types.Vote{{
			Tag:      fmt.Sprintf("MA_BLOWOFF:%s", spec.Name),
			Vote:     dir,
			Strength: 0.15,
		}.Clamp()}
	default:
		return nil
	}
}

func maSeries(closes []float64, period int, t MAType) ([]float64, bool) {
	if t == MATypeEMA {
		return indicators.EMASeries(closes, period)
	}
	// SMA series: compute a rolling SMA value for each trailing window.
	if len(closes) < period {
		return nil, false
	}
	out := make([]float64, 0, len(closes)-period+1)
	for i := period; i <= len(closes); i++ {
		v, _ := indicators.SMASeries(closes[:i], period)
		out = append(out, v)
	}
	return out, true
}

func prepend(history []float64, v float64, maxLen int) []float64 {
	history = append([]float64{v}, history...)
	if len(history) > maxLen {
		history = history[:maxLen]
	}
	return history
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
