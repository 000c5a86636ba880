package indicator

// SMA computes a simple moving average over a sliding window using a running
// sum. Indices before the window is full (i < period-1) carry the raw close,
// so the output always matches the input length.
func SMA(values []float64, period int) []float64 {
	result := make([]float64, len(values))
	if period < 1 {
		period = 1
	}

	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			// Drop the value leaving the window.
			sum -= values[i-period]
		}

		if i >= period-1 {
			result[i] = sum / float64(period)
		} else {
			result[i] = v
		}
	}
	return result
}
