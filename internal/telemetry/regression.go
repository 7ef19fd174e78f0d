package telemetry

// Trend is an ordinary least squares fit of a series against its ordinal
// index.
type Trend struct {
	Slope         float64 `json:"slope"`
	Intercept     float64 `json:"intercept"`
	Predicted     float64 `json:"predicted"`
	HasPrediction bool    `json:"has_prediction"`
	SampleCount   int     `json:"sample_count"`
}

// Current is the fitted value at the last sample.
func (t Trend) Current() float64 {
	if t.SampleCount == 0 {
		return 0
	}
	return t.Intercept + t.Slope*float64(t.SampleCount-1)
}

// LinearRegression fits values indexed 0..n-1 and predicts the value
// horizon samples past the last one. Fewer than two values yield a zero
// slope and no prediction.
func LinearRegression(values []float64, horizon int) Trend {
	n := len(values)
	t := Trend{SampleCount: n}
	if n < 2 {
		if n == 1 {
			t.Intercept = values[0]
		}
		return t
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		t.Intercept = sumY / fn
		return t
	}

	t.Slope = (fn*sumXY - sumX*sumY) / denom
	t.Intercept = (sumY - t.Slope*sumX) / fn
	t.Predicted = t.Intercept + t.Slope*float64(n-1+horizon)
	t.HasPrediction = true
	return t
}
