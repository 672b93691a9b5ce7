// Package tpo implements the Two-Pole Oscillator voter of the design: a
// pure-function pipeline (normalize → two-pole smoothing → lagged
// reference → crossover), with an optional companion oscillator whose
// agreement can be required before a vote is emitted.
package tpo

import (
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Config tunes the oscillator's lookback windows and confluence behavior.
type Config struct {
	NormalizeLookback int
	SmoothingPeriod   int
	LagBars           int
	HighProbZoneAt    float64 // |value| beyond this is the "extreme zone"
	ExtremeAmplify    float64
	RequireConfluence bool
	CompanionPeriod   int
}

// DefaultConfig returns the oscillator's default tuning.
func DefaultConfig() Config {
	return Config{
		NormalizeLookback: 20,
		SmoothingPeriod:   10,
		LagBars:           3,
		HighProbZoneAt:    0.5,
		ExtremeAmplify:    1.5,
		RequireConfluence: true,
		CompanionPeriod:   14,
	}
}

// Voter computes the Two-Pole Oscillator over a candle series and emits
// crossover votes.
type Voter struct {
	config Config
	// lastSign tracks the prior smoothed-vs-lag sign so crossovers (not
	// level) drive vote emission.
	lastSign          int
	lastCompanionSign int
}

// New constructs a Voter.
func New(config Config) *Voter {
	return &Voter{config: config}
}

// Normalize maps the trailing lookback window of closes onto [-1,1] using
// the window's own high/low range.
func Normalize(closes []float64, lookback int) []float64 {
	if len(closes) < lookback {
		return nil
	}
	out := make([]float64, 0, len(closes)-lookback+1)
	for i := lookback; i <= len(closes); i++ {
		window := closes[i-lookback : i]
		hi, lo := window[0], window[0]
		for _, v := range window {
			if v > hi {
				hi = v
			}
			if v < lo {
				lo = v
			}
		}
		mid := (hi + lo) / 2
		half := (hi - lo) / 2
		if half == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (window[len(window)-1]-mid)/half)
	}
	return out
}

// TwoPoleSmooth applies exponential smoothing twice in series — the
// "two-pole" filter — damping noise more aggressively than a single EMA.
func TwoPoleSmooth(normalized []float64, period int) []float64 {
	if len(normalized) == 0 {
		return nil
	}
	k := 2.0 / float64(period+1)
	first := make([]float64, len(normalized))
	first[0] = normalized[0]
	for i := 1; i < len(normalized); i++ {
		first[i] = (normalized[i]-first[i-1])*k + first[i-1]
	}
	second := make([]float64, len(first))
	second[0] = first[0]
	for i := 1; i < len(first); i++ {
		second[i] = (first[i]-second[i-1])*k + second[i-1]
	}
	return second
}

// Lag returns a reference series shifted back by lagBars: lag[i] =
// smoothed[i-lagBars] (clamped at the start).
func Lag(smoothed []float64, lagBars int) []float64 {
	out := make([]float64, len(smoothed))
	for i := range smoothed {
		j := i - lagBars
		if j < 0 {
			j = 0
		}
		out[i] = smoothed[j]
	}
	return out
}

// companionOscillator is a simpler, independently-smoothed oscillator
// (an older incremental design, ) used only to confirm
// crossovers from the primary pipeline when confluence is required.
func companionOscillator(closes []float64, period int) []float64 {
	if len(closes) < period+1 {
		return nil
	}
	out := make([]float64, 0, len(closes)-period)
	for i := period; i < len(closes); i++ {
		window := closes[i-period : i+1]
		sum := 0.0
		for _, v := range window {
			sum += v
		}
		mean := sum / float64(len(window))
		if mean == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (closes[i]-mean)/mean)
	}
	return out
}

// Update runs the full pipeline over one candle series and returns any
// crossover vote produced this call.
func (v *Voter) Update(closes []float64) []types.Vote {
	normalized := Normalize(closes, v.config.NormalizeLookback)
	if len(normalized) < v.config.LagBars+2 {
		return nil
	}
	smoothed := TwoPoleSmooth(normalized, v.config.SmoothingPeriod)
	lagged := Lag(smoothed, v.config.LagBars)

	i := len(smoothed) - 1
	diff := smoothed[i] - lagged[i]
	sign := signOf(diff)

	crossed := v.lastSign != 0 && sign != 0 && sign != v.lastSign
	v.lastSign = sign

	if !crossed {
		return nil
	}

	if v.config.RequireConfluence {
		companion := companionOscillator(closes, v.config.CompanionPeriod)
		if len(companion) < 2 {
			return nil
		}
		cSign := signOf(companion[len(companion)-1] - companion[len(companion)-2])
		agrees := cSign == sign
		v.lastCompanionSign = cSign
		if !agrees {
			return nil
		}
	}

	strength := abs(diff)
	inExtremeZone := abs(smoothed[i]) >= v.config.HighProbZoneAt
	if inExtremeZone {
		strength *= v.config.ExtremeAmplify
	}

	direction := types.VoteBullish
	tag := "TPO:BUY"
	if sign < 0 {
		direction = types.VoteBearish
		tag = "TPO:SELL"
	}

	return []types.Vote{{Tag: tag, Vote: direction, Strength: strength}.Clamp()}
}

func signOf(v float64) int {
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
