// Package calc holds the pure indicator functions the pipeline derives from
// raw candle/OI history. Every scalar-valued function returns an explicit "ok" boolean
// instead of a sentinel numeric value, so "insufficient data" can never be
// confused with a legitimate zero.
package calc

import (
	"math"

	talib "github.com/markcheno/go-talib"

	"github.com/skalibog/bfma/pkg/models"
)

// MinOneMinuteBarsForATR is the warmup floor below which ATR(14) on 15m
// windows cannot yet be computed (14 windows * 15 minutes), adopted from
// original_source's service-level guard (see DESIGN.md).
const MinOneMinuteBarsForATR = 210

const atrPeriod = 14
const atrBaselineWindows = 96
const windowMs = 15 * 60 * 1000

// Return5m is (close_n - close_{n-5}) / close_{n-5} over closed 1m candles.
// Requires at least 6 closed candles.
func Return5m(candles []models.Candle1m) (float64, bool) {
	if len(candles) < 6 {
		return 0, false
	}
	last := candles[len(candles)-1]
	prior := candles[len(candles)-6]
	if prior.Close == 0 {
		return 0, false
	}
	return (last.Close - prior.Close) / prior.Close, true
}

// Aggregate15m partitions closed 1m candles into 15-minute epoch-aligned
// windows, dropping the trailing bucket only when it is actually partial
// (fewer than 15 one-minute bars), so ATR input never spans a still-forming
// window but a fully-covered trailing window is not thrown away.
func Aggregate15m(candles []models.Candle1m) []models.Candle15m {
	if len(candles) == 0 {
		return nil
	}

	type bucket struct {
		openTime int64
		open     float64
		high     float64
		low      float64
		close    float64
		started  bool
		count    int
	}
	buckets := make(map[int64]*bucket)
	order := make([]int64, 0)

	for _, c := range candles {
		bucketOpen := (c.OpenTimeMs / windowMs) * windowMs
		b, ok := buckets[bucketOpen]
		if !ok {
			b = &bucket{openTime: bucketOpen, high: c.High, low: c.Low, open: c.Open}
			buckets[bucketOpen] = b
			order = append(order, bucketOpen)
		}
		if !b.started {
			b.open = c.Open
			b.high = c.High
			b.low = c.Low
			b.started = true
		}
		b.high = math.Max(b.high, c.High)
		b.low = math.Min(b.low, c.Low)
		b.close = c.Close
		b.count++
	}

	if len(order) == 0 {
		return nil
	}
	const barsPerWindow = int(windowMs / 60_000)
	newest := order[len(order)-1]

	out := make([]models.Candle15m, 0, len(order))
	for _, ot := range order {
		b := buckets[ot]
		if ot == newest && b.count < barsPerWindow {
			continue // the trailing bucket is still forming; drop it
		}
		out = append(out, models.Candle15m{OpenTimeMs: b.openTime, Open: b.open, High: b.high, Low: b.low, Close: b.close})
	}
	return out
}

// ATR15m computes Wilder-smoothed ATR(14) over 15-minute candles via
// go-talib, plus the arithmetic-mean baseline of the most recent <=96
// values (24h of 15m windows).
func ATR15m(candles15m []models.Candle15m) (atr float64, atrOk bool, baseline float64, baselineOk bool) {
	if len(candles15m) < atrPeriod+1 {
		return 0, false, 0, false
	}

	highs := make([]float64, len(candles15m))
	lows := make([]float64, len(candles15m))
	closes := make([]float64, len(candles15m))
	for i, c := range candles15m {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}

	series := talib.Atr(highs, lows, closes, atrPeriod)
	// talib.Atr front-pads with NaN/0 until it has enough samples; only the
	// tail is meaningful.
	valid := series[atrPeriod:]
	if len(valid) == 0 {
		return 0, false, 0, false
	}
	atr = valid[len(valid)-1]

	tail := valid
	if len(tail) > atrBaselineWindows {
		tail = tail[len(tail)-atrBaselineWindows:]
	}
	sum := 0.0
	for _, v := range tail {
		sum += v
	}
	baseline = sum / float64(len(tail))
	return atr, true, baseline, true
}

// OIZScore standardizes the current OI reading against the mean/stddev of
// the history window. Requires at least 10 samples.
func OIZScore(history []models.OpenInterestSnapshot) (float64, bool) {
	if len(history) < 10 {
		return 0, false
	}
	current := history[len(history)-1].OIValue

	sum := 0.0
	for _, h := range history {
		sum += h.OIValue
	}
	mean := sum / float64(len(history))

	variance := 0.0
	for _, h := range history {
		d := h.OIValue - mean
		variance += d * d
	}
	variance /= float64(len(history))
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return 0, false
	}
	return (current - mean) / stddev, true
}

// OIDelta15mPct is the percent change of OI against the sample nearest 15
// minutes old.
func OIDelta15mPct(history []models.OpenInterestSnapshot, nowMs int64) (float64, bool) {
	if len(history) == 0 {
		return 0, false
	}
	current := history[len(history)-1].OIValue
	targetMs := nowMs - windowMs

	var best *models.OpenInterestSnapshot
	bestDiff := int64(math.MaxInt64)
	for i := range history {
		diff := history[i].EventTimeMs - targetMs
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			bestDiff = diff
			best = &history[i]
		}
	}
	if best == nil || best.OIValue == 0 {
		return 0, false
	}
	return (current - best.OIValue) / best.OIValue, true
}

// PositionUSDT sizes a position from stop distance: max_risk_usdt divided
// by the fractional stop distance. Undefined when entry equals stop.
func PositionUSDT(entry, stop, maxRiskUSDT float64) (float64, bool) {
	if entry == 0 || entry == stop {
		return 0, false
	}
	fracDistance := math.Abs(entry-stop) / entry
	if fracDistance == 0 {
		return 0, false
	}
	return maxRiskUSDT / fracDistance, true
}

// Last20mHighLow returns the max high / min low of closed 1m candles over
// the last 20 minutes excluding the most recent (current) candle.
func Last20mHighLow(candles []models.Candle1m) (high, low float64, ok bool) {
	if len(candles) < 2 {
		return 0, 0, false
	}
	window := candles[:len(candles)-1]
	if len(window) > 20 {
		window = window[len(window)-20:]
	}
	if len(window) == 0 {
		return 0, 0, false
	}
	high, low = window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low, true
}
