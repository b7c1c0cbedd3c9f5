package strategy

import (
	"fmt"
	"time"

	"github.com/coinsentry/coinsentry/internal/indicators"
	"github.com/coinsentry/coinsentry/internal/market"
)

// VolPercentile watches realized volatility through Bollinger band width and
// raises a volatility event when the current reading sits above a percentile
// threshold of its own history. It produces no trading signals.
type VolPercentile struct {
	period          int
	spikePercentile float64
}

// NewVolPercentile builds the strategy from config params. Defaults:
// period=20, spike_percentile=0.95.
func NewVolPercentile(params map[string]interface{}) (Strategy, error) {
	v := &VolPercentile{
		period:          paramInt(params, "period", 20),
		spikePercentile: paramFloat(params, "spike_percentile", 0.95),
	}
	if v.period < 2 {
		return nil, fmt.Errorf("vol_percentile: period must be >= 2, got %d", v.period)
	}
	if v.spikePercentile <= 0 || v.spikePercentile > 1 {
		return nil, fmt.Errorf("vol_percentile: spike_percentile must be in (0, 1], got %g",
			v.spikePercentile)
	}
	return v, nil
}

func (v *VolPercentile) Name() string { return "vol_percentile" }

func (v *VolPercentile) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"period":           v.period,
		"spike_percentile": v.spikePercentile,
	}
}

type volAnalysis struct {
	takenAt time.Time
	events  []market.VolatilityEvent
}

func (v *VolPercentile) Analyze(snap *market.Snapshot) (Analysis, error) {
	a := &volAnalysis{takenAt: snap.TakenAt()}

	for _, asset := range snap.Assets() {
		closes := snap.Closes(asset)
		if len(closes) < v.period*2 {
			continue // too little history to rank against
		}

		widths, err := indicators.BandWidth(closes, v.period)
		if err != nil {
			return nil, fmt.Errorf("vol_percentile: band width for %s: %w", asset, err)
		}
		current := widths[len(widths)-1]
		rank := indicators.PercentileRank(widths[:len(widths)-1], current)
		if rank < v.spikePercentile {
			continue
		}

		a.events = append(a.events, market.VolatilityEvent{
			Asset:             asset,
			Price:             closes[len(closes)-1],
			Volatility:        current,
			Percentile:        rank,
			ThresholdExceeded: v.spikePercentile,
			ObservedAt:        a.takenAt,
		})
	}
	return a, nil
}

// GenerateSignals always returns nothing: this strategy only reports
// volatility.
func (v *VolPercentile) GenerateSignals(raw Analysis) ([]market.Signal, error) {
	if _, ok := raw.(*volAnalysis); !ok {
		return nil, fmt.Errorf("vol_percentile: unexpected analysis type %T", raw)
	}
	return nil, nil
}

// VolatilityEvents implements VolatilityReporter.
func (v *VolPercentile) VolatilityEvents(raw Analysis) []market.VolatilityEvent {
	a, ok := raw.(*volAnalysis)
	if !ok {
		return nil
	}
	return a.events
}
