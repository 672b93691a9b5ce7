package aggregator

import (
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// groupFixed groups daily candles into fixed-size buckets of groupSize,
// oldest-first, used for 5d.
func groupFixed(daily []types.Candle, groupSize int) []types.Candle {
	if groupSize <= 0 || len(daily) == 0 {
		return nil
	}
	out := make([]types.Candle, 0, len(daily)/groupSize+1)
	for i := 0; i < len(daily); i += groupSize {
		end := i + groupSize
		if end > len(daily) {
			end = len(daily)
		}
		out = append(out, mergeCandles(daily[i:end]))
	}
	return out
}

// groupCalendarMonths groups daily candles into calendar-aligned buckets of
// monthsPerBucket months (1 for 1M, 3 for 3M, 6 for 6M).
func groupCalendarMonths(daily []types.Candle, monthsPerBucket int) []types.Candle {
	if len(daily) == 0 {
		return nil
	}
	type bucket struct {
		key     int // year*12+monthIndex of bucket start
		candles []types.Candle
	}
	var buckets []bucket
	for _, c := range daily {
		t := time.UnixMilli(c.TimestampMillis).UTC()
		monthIdx := int(t.Year())*12 + int(t.Month()-1)
		bucketStart := (monthIdx / monthsPerBucket) * monthsPerBucket
		if len(buckets) == 0 || buckets[len(buckets)-1].key != bucketStart {
			buckets = append(buckets, bucket{key: bucketStart})
		}
		last := &buckets[len(buckets)-1]
		last.candles = append(last.candles, c)
	}
	out := make([]types.Candle, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, mergeCandles(b.candles))
	}
	return out
}

// groupYTD folds every daily candle since January 1 of the current year
// into a single growing candle.
func groupYTD(daily []types.Candle) []types.Candle {
	if len(daily) == 0 {
		return nil
	}
	lastYear := time.UnixMilli(daily[len(daily)-1].TimestampMillis).UTC().Year()
	var ytd []types.Candle
	for _, c := range daily {
		if time.UnixMilli(c.TimestampMillis).UTC().Year() == lastYear {
			ytd = append(ytd, c)
		}
	}
	if len(ytd) == 0 {
		return nil
	}
	return []types.Candle{mergeCandles(ytd)}
}

// groupAll folds the entire daily history into a single candle.
func groupAll(daily []types.Candle) []types.Candle {
	if len(daily) == 0 {
		return nil
	}
	return []types.Candle{mergeCandles(daily)}
}

// mergeCandles aggregates a contiguous run of candles into one, per the
// Aggregation faithfulness invariant of the design:
// open=first.open, close=last.close, high=max highs, low=min lows,
// volume=sum volumes.
func mergeCandles(run []types.Candle) types.Candle {
	merged := types.Candle{
		TimestampMillis: run[0].TimestampMillis,
		Open:            run[0].Open,
		High:            run[0].High,
		Low:             run[0].Low,
		Close:           run[len(run)-1].Close,
	}
	for _, c := range run {
		if c.High.GreaterThan(merged.High) {
			merged.High = c.High
		}
		if c.Low.LessThan(merged.Low) {
			merged.Low = c.Low
		}
		merged.Volume = merged.Volume.Add(c.Volume)
		merged.TickCount += c.TickCount
	}
	return merged
}
