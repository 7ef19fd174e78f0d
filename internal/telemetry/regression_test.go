package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinearRegression_Degenerate(t *testing.T) {
	empty := LinearRegression(nil, 10)
	assert.Zero(t, empty.Slope)
	assert.False(t, empty.HasPrediction)

	single := LinearRegression([]float64{42}, 10)
	assert.Zero(t, single.Slope)
	assert.False(t, single.HasPrediction)
	assert.Equal(t, 1, single.SampleCount)
	assert.Equal(t, 42.0, single.Current())
}

func TestLinearRegression_ExactLine(t *testing.T) {
	values := []float64{10, 12, 14, 16, 18}
	tr := LinearRegression(values, 5)

	assert.InDelta(t, 2, tr.Slope, 1e-9)
	assert.InDelta(t, 10, tr.Intercept, 1e-9)
	assert.True(t, tr.HasPrediction)
	assert.InDelta(t, 28, tr.Predicted, 1e-9)
	assert.InDelta(t, 18, tr.Current(), 1e-9)
}

func TestLinearRegression_Flat(t *testing.T) {
	tr := LinearRegression([]float64{7, 7, 7, 7}, 3)
	assert.Zero(t, tr.Slope)
	assert.InDelta(t, 7, tr.Predicted, 1e-9)
}

func TestLinearRegression_Noisy(t *testing.T) {
	// y = 3 + 0.5x with symmetric noise
	values := []float64{3.1, 3.4, 4.1, 4.4, 5.1, 5.4}
	tr := LinearRegression(values, 0)
	assert.InDelta(t, 0.46, tr.Slope, 0.05)
	assert.InDelta(t, 3.09, tr.Intercept, 0.1)
}
