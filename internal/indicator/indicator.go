// Package indicator derives trend indicators from a window of close prices.
//
// Everything here is a pure function of its input: the candle buffer is the
// only source of truth, so the SMA and EMA are recomputed from index 0 on
// every new candle. The buffer is bounded (series.MaxCandles), which keeps
// the full recompute cheap.
package indicator

const (
	// MinPeriod is the smallest smoothing window used, even for 0 or 1 closes.
	MinPeriod = 2
	// MaxPeriod caps the smoothing window regardless of available history.
	MaxPeriod = 14
)

// Series holds SMA and EMA values parallel to the closes they came from.
type Series struct {
	SMA []float64 `json:"sma"`
	EMA []float64 `json:"ema"`
}

// Len returns the number of points in the series.
func (s Series) Len() int { return len(s.SMA) }

// Last returns the most recent SMA and EMA values.
func (s Series) Last() (sma, ema float64, ok bool) {
	if len(s.SMA) == 0 {
		return 0, 0, false
	}
	return s.SMA[len(s.SMA)-1], s.EMA[len(s.EMA)-1], true
}

// Period returns the smoothing window for n closes: clamp(n, MinPeriod, MaxPeriod).
func Period(n int) int {
	if n < MinPeriod {
		return MinPeriod
	}
	if n > MaxPeriod {
		return MaxPeriod
	}
	return n
}

// Recompute returns the SMA and EMA of closes. Both outputs have the same
// length as closes; an empty input yields empty outputs.
func Recompute(closes []float64) Series {
	period := Period(len(closes))
	return Series{
		SMA: SMA(closes, period),
		EMA: EMA(closes, period),
	}
}
