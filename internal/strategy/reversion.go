package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/coinsentry/coinsentry/internal/indicators"
	"github.com/coinsentry/coinsentry/internal/market"
)

// RSIReversion is a mean-reversion strategy: oversold RSI opens LONG
// interest, overbought opens SHORT.
type RSIReversion struct {
	period     int
	oversold   float64
	overbought float64
}

// NewRSIReversion builds the strategy from config params. Defaults: period=14,
// oversold=30, overbought=70.
func NewRSIReversion(params map[string]interface{}) (Strategy, error) {
	r := &RSIReversion{
		period:     paramInt(params, "period", 14),
		oversold:   paramFloat(params, "oversold", 30),
		overbought: paramFloat(params, "overbought", 70),
	}
	if r.period < 2 {
		return nil, fmt.Errorf("rsi_reversion: period must be >= 2, got %d", r.period)
	}
	if r.oversold <= 0 || r.overbought >= 100 || r.oversold >= r.overbought {
		return nil, fmt.Errorf("rsi_reversion: need 0 < oversold (%g) < overbought (%g) < 100",
			r.oversold, r.overbought)
	}
	return r, nil
}

func (r *RSIReversion) Name() string { return "rsi_reversion" }

func (r *RSIReversion) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"period":     r.period,
		"oversold":   r.oversold,
		"overbought": r.overbought,
	}
}

type reversionAnalysis struct {
	takenAt  time.Time
	findings []reversionFinding
}

type reversionFinding struct {
	asset     market.AssetID
	direction market.Direction
	price     float64
	rsi       float64
}

func (r *RSIReversion) Analyze(snap *market.Snapshot) (Analysis, error) {
	a := &reversionAnalysis{takenAt: snap.TakenAt()}

	for _, asset := range snap.Assets() {
		closes := snap.Closes(asset)
		if len(closes) < r.period+1 {
			continue
		}

		values, err := indicators.RSI(closes, r.period)
		if err != nil {
			return nil, fmt.Errorf("rsi_reversion: RSI for %s: %w", asset, err)
		}
		current := values[len(values)-1]

		var dir market.Direction
		switch {
		case current <= r.oversold:
			dir = market.DirectionLong
		case current >= r.overbought:
			dir = market.DirectionShort
		default:
			continue
		}

		a.findings = append(a.findings, reversionFinding{
			asset:     asset,
			direction: dir,
			price:     closes[len(closes)-1],
			rsi:       current,
		})
	}
	return a, nil
}

func (r *RSIReversion) GenerateSignals(raw Analysis) ([]market.Signal, error) {
	a, ok := raw.(*reversionAnalysis)
	if !ok {
		return nil, fmt.Errorf("rsi_reversion: unexpected analysis type %T", raw)
	}

	signals := make([]market.Signal, 0, len(a.findings))
	for _, f := range a.findings {
		// Deeper into oversold/overbought territory means higher conviction.
		var depth float64
		if f.direction == market.DirectionLong {
			depth = (r.oversold - f.rsi) / r.oversold
		} else {
			depth = (f.rsi - r.overbought) / (100 - r.overbought)
		}
		conf := 0.5 + math.Min(math.Max(depth, 0), 1)*0.45

		signals = append(signals, market.Signal{
			Strategy:   r.Name(),
			Asset:      f.asset,
			Direction:  f.direction,
			Price:      f.price,
			Confidence: conf,
			ProducedAt: a.takenAt,
		})
	}
	return signals, nil
}
