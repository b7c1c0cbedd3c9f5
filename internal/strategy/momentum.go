package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/coinsentry/coinsentry/internal/indicators"
	"github.com/coinsentry/coinsentry/internal/market"
)

// Momentum signals on fast/slow moving-average crossovers: a fast SMA
// crossing above the slow SMA opens LONG interest, crossing below opens
// SHORT.
type Momentum struct {
	fastPeriod int
	slowPeriod int
}

// NewMomentum builds the strategy from config params. Defaults: fast=10,
// slow=30.
func NewMomentum(params map[string]interface{}) (Strategy, error) {
	m := &Momentum{
		fastPeriod: paramInt(params, "fast_period", 10),
		slowPeriod: paramInt(params, "slow_period", 30),
	}
	if m.fastPeriod < 1 || m.slowPeriod <= m.fastPeriod {
		return nil, fmt.Errorf("momentum: need 1 <= fast_period (%d) < slow_period (%d)",
			m.fastPeriod, m.slowPeriod)
	}
	return m, nil
}

func (m *Momentum) Name() string { return "momentum" }

func (m *Momentum) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"fast_period": m.fastPeriod,
		"slow_period": m.slowPeriod,
	}
}

type momentumAnalysis struct {
	takenAt  time.Time
	findings []momentumFinding
}

type momentumFinding struct {
	asset     market.AssetID
	direction market.Direction
	price     float64
	gap       float64 // |fast-slow| / slow at the crossover
}

// Analyze detects crossovers on the last two aligned SMA values per asset.
// Assets with too little history are skipped, not errors.
func (m *Momentum) Analyze(snap *market.Snapshot) (Analysis, error) {
	a := &momentumAnalysis{takenAt: snap.TakenAt()}

	for _, asset := range snap.Assets() {
		closes := snap.Closes(asset)
		if len(closes) < m.slowPeriod+1 {
			continue
		}

		fast, err := indicators.SMA(closes, m.fastPeriod)
		if err != nil {
			return nil, fmt.Errorf("momentum: fast SMA for %s: %w", asset, err)
		}
		slow, err := indicators.SMA(closes, m.slowPeriod)
		if err != nil {
			return nil, fmt.Errorf("momentum: slow SMA for %s: %w", asset, err)
		}
		if len(fast) < 2 || len(slow) < 2 {
			continue
		}

		// Series tails are aligned to the last price.
		fNow, fPrev := fast[len(fast)-1], fast[len(fast)-2]
		sNow, sPrev := slow[len(slow)-1], slow[len(slow)-2]
		if sNow == 0 {
			continue
		}

		var dir market.Direction
		switch {
		case fPrev <= sPrev && fNow > sNow:
			dir = market.DirectionLong
		case fPrev >= sPrev && fNow < sNow:
			dir = market.DirectionShort
		default:
			continue
		}

		a.findings = append(a.findings, momentumFinding{
			asset:     asset,
			direction: dir,
			price:     closes[len(closes)-1],
			gap:       math.Abs(fNow-sNow) / math.Abs(sNow),
		})
	}
	return a, nil
}

func (m *Momentum) GenerateSignals(raw Analysis) ([]market.Signal, error) {
	a, ok := raw.(*momentumAnalysis)
	if !ok {
		return nil, fmt.Errorf("momentum: unexpected analysis type %T", raw)
	}

	signals := make([]market.Signal, 0, len(a.findings))
	for _, f := range a.findings {
		// A wider gap at the crossover means stronger momentum.
		conf := 0.5 + math.Min(f.gap*20, 0.45)
		signals = append(signals, market.Signal{
			Strategy:   m.Name(),
			Asset:      f.asset,
			Direction:  f.direction,
			Price:      f.price,
			Confidence: conf,
			ProducedAt: a.takenAt,
		})
	}
	return signals, nil
}
