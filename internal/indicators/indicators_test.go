package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMA(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5, 6}
	values, err := SMA(prices, 3)
	require.NoError(t, err)
	require.NotEmpty(t, values)
	assert.InDelta(t, 5.0, values[len(values)-1], 1e-9, "mean of 4,5,6")
}

func TestSMARejectsBadPeriod(t *testing.T) {
	_, err := SMA([]float64{1, 2, 3}, 0)
	require.Error(t, err)
	_, err = SMA([]float64{1, 2, 3}, 4)
	require.Error(t, err)
}

func TestRSIBounds(t *testing.T) {
	prices := []float64{44, 44.3, 44.1, 43.6, 44.3, 44.8, 45.1, 45.4, 45.8, 46.1,
		46.3, 46.3, 46.0, 46.4, 46.2, 45.6, 46.2, 46.2, 46.0, 46.4}
	values, err := RSI(prices, 14)
	require.NoError(t, err)
	require.NotEmpty(t, values)
	last := values[len(values)-1]
	assert.GreaterOrEqual(t, last, 0.0)
	assert.LessOrEqual(t, last, 100.0)
}

func TestBandWidthFlatSeriesIsZero(t *testing.T) {
	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 100
	}
	widths, err := BandWidth(prices, 20)
	require.NoError(t, err)
	require.NotEmpty(t, widths)
	assert.InDelta(t, 0.0, widths[len(widths)-1], 1e-9)
}

func TestBandWidthGrowsWithSwing(t *testing.T) {
	flat := make([]float64, 30)
	swing := make([]float64, 30)
	for i := range flat {
		flat[i] = 100 + 0.1*float64(i%2)
		if i%2 == 0 {
			swing[i] = 90
		} else {
			swing[i] = 110
		}
	}
	fw, err := BandWidth(flat, 20)
	require.NoError(t, err)
	sw, err := BandWidth(swing, 20)
	require.NoError(t, err)
	assert.Greater(t, sw[len(sw)-1], fw[len(fw)-1])
}

func TestPercentileRank(t *testing.T) {
	history := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.InDelta(t, 1.0, PercentileRank(history, 10), 1e-9)
	assert.InDelta(t, 0.5, PercentileRank(history, 5), 1e-9)
	assert.InDelta(t, 0.0, PercentileRank(history, 0.5), 1e-9)
	assert.Zero(t, PercentileRank(nil, 3))
}
