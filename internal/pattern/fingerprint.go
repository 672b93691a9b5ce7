package pattern

import (
	"fmt"
	"strings"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// FeatureVector is the fixed-length quantized feature vector the design
// fingerprints trades against. It is deliberately distinct from any
// human-readable pattern name, which would collide across unrelated setups.
type FeatureVector struct {
	RSIBucket           int
	MACDBucket          int
	TrendSign           int
	VolatilityBucket    int
	VolumeRatioBucket   int
	MomentumBucket      int
	PricePositionBucket int
	Regime              types.Regime
	Direction           types.TradeDirection
}

// Key renders the vector as its canonical comma-joined fingerprint string.
func (f FeatureVector) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d,%d,%d,%d,%d,%d,%d,%s,%s",
		f.RSIBucket, f.MACDBucket, f.TrendSign, f.VolatilityBucket,
		f.VolumeRatioBucket, f.MomentumBucket, f.PricePositionBucket,
		f.Regime, f.Direction)
	return b.String()
}

// FromSnapshot quantizes a live IndicatorSnapshot + RegimeMetrics + intended
// direction into a FeatureVector.
func FromSnapshot(snap *types.IndicatorSnapshot, metrics types.RegimeMetrics, regime types.Regime, direction types.TradeDirection) FeatureVector {
	fv := FeatureVector{Regime: regime, Direction: direction}

	if snap != nil && snap.RSI != nil {
		rsi, _ := snap.RSI.Float64()
		fv.RSIBucket = bucket(rsi, []float64{30, 45, 55, 70})
	}
	if snap != nil && snap.MACD != nil {
		hist, _ := snap.MACD.Histogram.Float64()
		fv.MACDBucket = signBucket(hist)
	}
	switch {
	case metrics.TrendDirection > 0.1:
		fv.TrendSign = 1
	case metrics.TrendDirection < -0.1:
		fv.TrendSign = -1
	}
	fv.VolatilityBucket = bucket(metrics.Volatility, []float64{0.003, 0.01, 0.02})
	fv.VolumeRatioBucket = bucket(metrics.VolumeRatio, []float64{0.5, 1.0, 1.5, 2.0})
	fv.MomentumBucket = signBucket(metrics.Momentum)
	fv.PricePositionBucket = bucket(metrics.PricePosition, []float64{0.25, 0.5, 0.75})

	return fv
}

// bucket returns the index of the first boundary the value is below, or
// len(boundaries) if it exceeds them all.
func bucket(v float64, boundaries []float64) int {
	for i, b := range boundaries {
		if v < b {
			return i
		}
	}
	return len(boundaries)
}

func signBucket(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
