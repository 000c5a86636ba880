package indicator

// EMA computes an exponential moving average seeded with the first value.
// EMA formula: EMA[i] = (Price * k) + (EMA[i-1] * (1 - k)), k = 2/(period+1).
func EMA(values []float64, period int) []float64 {
	result := make([]float64, len(values))
	if len(values) == 0 {
		return result
	}

	k := Multiplier(period)
	result[0] = values[0]
	for i := 1; i < len(values); i++ {
		result[i] = values[i]*k + result[i-1]*(1-k)
	}
	return result
}

// Multiplier returns the EMA smoothing constant for period.
func Multiplier(period int) float64 {
	return 2.0 / float64(period+1)
}
