// Package strategy turns candle windows into trade intents.
package strategy

// EMA computes an exponential moving average over the series. The first
// period values seed with a simple average; alpha = 2/(period+1).
// Output index i is the EMA of values[..i]; indexes before period-1 are NaN-free
// partial seeds and must not be read by callers.
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) == 0 {
		return out
	}

	alpha := 2.0 / (float64(period) + 1.0)
	var sum float64
	for i, v := range values {
		if i < period {
			sum += v
			out[i] = sum / float64(i+1)
			continue
		}
		out[i] = alpha*v + (1-alpha)*out[i-1]
	}
	return out
}

// TrueRanges computes TR for each bar after the first:
// max(high-low, |high-prevClose|, |low-prevClose|). Output has len-1 entries.
func TrueRanges(highs, lows, closes []float64) []float64 {
	if len(highs) < 2 {
		return nil
	}
	out := make([]float64, len(highs)-1)
	for i := 1; i < len(highs); i++ {
		hl := highs[i] - lows[i]
		hc := abs(highs[i] - closes[i-1])
		lc := abs(lows[i] - closes[i-1])
		out[i-1] = max3(hl, hc, lc)
	}
	return out
}

// ATR computes the Wilder-smoothed average true range: the first value is the
// mean of the first period true ranges, then atr = (prev*(period-1) + tr)/period.
// Returns the final ATR and ok=false when there is not enough data.
func ATR(highs, lows, closes []float64, period int) (float64, bool) {
	trs := TrueRanges(highs, lows, closes)
	if period <= 0 || len(trs) < period {
		return 0, false
	}

	var atr float64
	for i := 0; i < period; i++ {
		atr += trs[i]
	}
	atr /= float64(period)

	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr, true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}
