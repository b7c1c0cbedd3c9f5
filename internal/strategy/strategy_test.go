package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinsentry/coinsentry/internal/market"
)

func snapFromCloses(closes map[market.AssetID][]float64) *market.Snapshot {
	bars := make(map[market.AssetID][]market.Bar)
	for asset, prices := range closes {
		for i, p := range prices {
			bars[asset] = append(bars[asset], market.Bar{
				Asset:     asset,
				Timestamp: int64(i) * 900_000,
				Open:      p, High: p * 1.01, Low: p * 0.99, Close: p,
				Volume: 1000,
			})
		}
	}
	return market.NewSnapshot(time.Unix(1_700_000_000, 0).UTC(), bars, nil)
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	_, err := New("martingale", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestNamesAreSorted(t *testing.T) {
	assert.Equal(t, []string{"momentum", "rsi_reversion", "vol_percentile"}, Names())
}

func TestMomentumDetectsBullishCrossover(t *testing.T) {
	s, err := NewMomentum(map[string]interface{}{"fast_period": 3, "slow_period": 5})
	require.NoError(t, err)

	// Dip then sharp rise: the fast average crosses above the slow one on the
	// final bar.
	closes := []float64{100, 100, 100, 100, 100, 100, 100, 100, 98, 97, 103, 106}
	snap := snapFromCloses(map[market.AssetID][]float64{"bitcoin": closes})

	analysis, err := s.Analyze(snap)
	require.NoError(t, err)
	signals, err := s.GenerateSignals(analysis)
	require.NoError(t, err)

	require.Len(t, signals, 1)
	sig := signals[0]
	assert.Equal(t, market.AssetID("bitcoin"), sig.Asset)
	assert.Equal(t, market.DirectionLong, sig.Direction)
	assert.Equal(t, 106.0, sig.Price)
	assert.Greater(t, sig.Confidence, 0.5)
	assert.LessOrEqual(t, sig.Confidence, 0.95)
	assert.Equal(t, snap.TakenAt(), sig.ProducedAt)
}

func TestMomentumDetectsBearishCrossover(t *testing.T) {
	s, err := NewMomentum(map[string]interface{}{"fast_period": 3, "slow_period": 5})
	require.NoError(t, err)

	closes := []float64{100, 100, 100, 100, 100, 100, 100, 100, 102, 103, 97, 94}
	snap := snapFromCloses(map[market.AssetID][]float64{"bitcoin": closes})

	analysis, err := s.Analyze(snap)
	require.NoError(t, err)
	signals, err := s.GenerateSignals(analysis)
	require.NoError(t, err)

	require.Len(t, signals, 1)
	assert.Equal(t, market.DirectionShort, signals[0].Direction)
}

func TestMomentumQuietMarketProducesNothing(t *testing.T) {
	s, err := NewMomentum(map[string]interface{}{"fast_period": 3, "slow_period": 5})
	require.NoError(t, err)

	closes := []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 100}
	snap := snapFromCloses(map[market.AssetID][]float64{"bitcoin": closes})

	analysis, err := s.Analyze(snap)
	require.NoError(t, err)
	signals, err := s.GenerateSignals(analysis)
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestMomentumSkipsShortHistory(t *testing.T) {
	s, err := NewMomentum(nil) // defaults need 31 bars
	require.NoError(t, err)

	snap := snapFromCloses(map[market.AssetID][]float64{"bitcoin": {100, 101, 102}})
	analysis, err := s.Analyze(snap)
	require.NoError(t, err)
	signals, err := s.GenerateSignals(analysis)
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestMomentumRejectsBadPeriods(t *testing.T) {
	_, err := NewMomentum(map[string]interface{}{"fast_period": 10, "slow_period": 5})
	require.Error(t, err)
}

func TestRSIReversionSignalsOversold(t *testing.T) {
	s, err := NewRSIReversion(map[string]interface{}{"period": 5})
	require.NoError(t, err)

	// Relentless decline pins RSI near zero.
	closes := make([]float64, 15)
	for i := range closes {
		closes[i] = 100 - float64(i)*2
	}
	snap := snapFromCloses(map[market.AssetID][]float64{"ethereum": closes})

	analysis, err := s.Analyze(snap)
	require.NoError(t, err)
	signals, err := s.GenerateSignals(analysis)
	require.NoError(t, err)

	require.Len(t, signals, 1)
	assert.Equal(t, market.DirectionLong, signals[0].Direction)
	assert.Greater(t, signals[0].Confidence, 0.5)
}

func TestRSIReversionSignalsOverbought(t *testing.T) {
	s, err := NewRSIReversion(map[string]interface{}{"period": 5})
	require.NoError(t, err)

	closes := make([]float64, 15)
	for i := range closes {
		closes[i] = 100 + float64(i)*2
	}
	snap := snapFromCloses(map[market.AssetID][]float64{"ethereum": closes})

	analysis, err := s.Analyze(snap)
	require.NoError(t, err)
	signals, err := s.GenerateSignals(analysis)
	require.NoError(t, err)

	require.Len(t, signals, 1)
	assert.Equal(t, market.DirectionShort, signals[0].Direction)
}

func TestRSIReversionRejectsBadThresholds(t *testing.T) {
	_, err := NewRSIReversion(map[string]interface{}{"oversold": 80, "overbought": 20})
	require.Error(t, err)
}

func TestVolPercentileRaisesSpikeEvent(t *testing.T) {
	s, err := NewVolPercentile(map[string]interface{}{"period": 4, "spike_percentile": 0.9})
	require.NoError(t, err)

	// Flat history, then a violent swing in the final window.
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100
	}
	closes[18] = 130
	closes[19] = 70
	snap := snapFromCloses(map[market.AssetID][]float64{"solana": closes})

	analysis, err := s.Analyze(snap)
	require.NoError(t, err)

	signals, err := s.GenerateSignals(analysis)
	require.NoError(t, err)
	assert.Empty(t, signals, "volatility strategy never trades")

	reporter, ok := s.(VolatilityReporter)
	require.True(t, ok)
	events := reporter.VolatilityEvents(analysis)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, market.AssetID("solana"), ev.Asset)
	assert.Equal(t, 70.0, ev.Price)
	assert.Greater(t, ev.Volatility, 0.0)
	assert.GreaterOrEqual(t, ev.Percentile, 0.9)
	assert.Equal(t, 0.9, ev.ThresholdExceeded)
	assert.Equal(t, snap.TakenAt(), ev.ObservedAt)
}

func TestVolPercentileQuietMarketNoEvents(t *testing.T) {
	s, err := NewVolPercentile(map[string]interface{}{"period": 4, "spike_percentile": 0.9})
	require.NoError(t, err)

	// Choppy history settling into a flat tail: the current reading is the
	// calmest on record, nowhere near the spike threshold.
	closes := make([]float64, 20)
	for i := range closes {
		if i < 16 && i%2 == 0 {
			closes[i] = 99
		} else if i < 16 {
			closes[i] = 101
		} else {
			closes[i] = 100
		}
	}
	snap := snapFromCloses(map[market.AssetID][]float64{"solana": closes})

	analysis, err := s.Analyze(snap)
	require.NoError(t, err)
	events := s.(*VolPercentile).VolatilityEvents(analysis)
	assert.Empty(t, events)
}

func TestParametersRoundTrip(t *testing.T) {
	s, err := New("momentum", map[string]interface{}{"fast_period": 7, "slow_period": 21})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"fast_period": 7, "slow_period": 21}, s.Parameters())

	// YAML decoders hand over float64s; they must coerce cleanly.
	s, err = New("rsi_reversion", map[string]interface{}{"period": float64(9)})
	require.NoError(t, err)
	assert.Equal(t, 9, s.Parameters()["period"])
}
