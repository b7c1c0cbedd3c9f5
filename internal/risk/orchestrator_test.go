package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinsentry/coinsentry/internal/aggregate"
	"github.com/coinsentry/coinsentry/internal/market"
)

var assessedAt = time.Unix(1_700_000_000, 0).UTC()

func longSignal(conf float64) aggregate.AggregatedSignal {
	return aggregate.AggregatedSignal{
		Asset:                  "bitcoin",
		Direction:              market.DirectionLong,
		Price:                  50_000,
		Confidence:             conf,
		ContributingStrategies: []string{"momentum", "rsi_reversion"},
		AggregatedAt:           assessedAt,
	}
}

func healthyPortfolio() PortfolioState {
	return PortfolioState{Equity: 100_000, CurrentDrawdown: 0.05, DailyPnL: 0}
}

// LONG at 50000 with confidence 0.8 and a healthy book: 2% base scaled by
// confidence gives a 3080 position, stops at 49000/52000, approved LOW.
func TestAssessApprovesHealthyLong(t *testing.T) {
	o := New(DefaultConfig())
	a := o.Assess(longSignal(0.8), healthyPortfolio(), MarketContext{}, assessedAt)

	require.True(t, a.Approved, "rejection: %s", a.RejectionReason)
	assert.InDelta(t, 3080, a.PositionSize, 1e-9)
	assert.InDelta(t, 49_000, a.StopLoss, 1e-9)
	assert.InDelta(t, 52_000, a.TakeProfit, 1e-9)
	assert.Equal(t, LevelLow, a.Level)
	assert.Empty(t, a.RejectionReason)
	assert.Equal(t, []string{"momentum", "rsi_reversion"}, a.ContributingStrategies)

	// RR = take-profit distance over stop distance.
	rr := (a.TakeProfit - a.Price) / (a.Price - a.StopLoss)
	assert.InDelta(t, 2.0, rr, 1e-9)
}

// Same signal against a book already down 19%: the projected impact pushes
// drawdown past the 20% ceiling.
func TestAssessRejectsOnDrawdownLimit(t *testing.T) {
	o := New(DefaultConfig())
	portfolio := healthyPortfolio()
	portfolio.CurrentDrawdown = 0.19

	a := o.Assess(longSignal(0.8), portfolio, MarketContext{}, assessedAt)

	require.False(t, a.Approved)
	assert.Contains(t, a.RejectionReason, "drawdown")
	assert.Contains(t, []Level{LevelHigh, LevelCritical}, a.Level)
}

func TestAssessShortStopsOnCorrectSide(t *testing.T) {
	o := New(DefaultConfig())
	sig := longSignal(0.7)
	sig.Direction = market.DirectionShort

	a := o.Assess(sig, healthyPortfolio(), MarketContext{}, assessedAt)

	require.True(t, a.Approved, "rejection: %s", a.RejectionReason)
	assert.Greater(t, a.StopLoss, a.Price, "SHORT stop sits above entry")
	assert.Less(t, a.TakeProfit, a.Price, "SHORT take-profit sits below entry")
	assert.InDelta(t, 51_000, a.StopLoss, 1e-9)
	assert.InDelta(t, 48_000, a.TakeProfit, 1e-9)
}

func TestApprovedAssessmentsBracketPrice(t *testing.T) {
	o := New(DefaultConfig())
	for _, dir := range []market.Direction{market.DirectionLong, market.DirectionShort} {
		for _, conf := range []float64{0.1, 0.5, 0.9, 1.0} {
			sig := longSignal(conf)
			sig.Direction = dir
			a := o.Assess(sig, healthyPortfolio(), MarketContext{}, assessedAt)
			if !a.Approved {
				continue
			}
			assert.Greater(t, a.PositionSize, 0.0)
			if dir == market.DirectionLong {
				assert.Less(t, a.StopLoss, a.Price)
				assert.Greater(t, a.TakeProfit, a.Price)
			} else {
				assert.Greater(t, a.StopLoss, a.Price)
				assert.Less(t, a.TakeProfit, a.Price)
			}
		}
	}
}

func TestAssessValidationRejections(t *testing.T) {
	o := New(DefaultConfig())

	cases := []struct {
		name      string
		mutate    func(*aggregate.AggregatedSignal, *PortfolioState)
		reasonHas string
	}{
		{"confidence above one", func(s *aggregate.AggregatedSignal, p *PortfolioState) { s.Confidence = 1.2 }, "confidence"},
		{"negative confidence", func(s *aggregate.AggregatedSignal, p *PortfolioState) { s.Confidence = -0.1 }, "confidence"},
		{"zero price", func(s *aggregate.AggregatedSignal, p *PortfolioState) { s.Price = 0 }, "price"},
		{"bad direction", func(s *aggregate.AggregatedSignal, p *PortfolioState) { s.Direction = "SIDEWAYS" }, "direction"},
		{"zero equity", func(s *aggregate.AggregatedSignal, p *PortfolioState) { p.Equity = 0 }, "equity"},
		{"drawdown above one", func(s *aggregate.AggregatedSignal, p *PortfolioState) { p.CurrentDrawdown = 1.5 }, "drawdown"},
		{"negative position", func(s *aggregate.AggregatedSignal, p *PortfolioState) {
			p.Positions = map[market.AssetID]float64{"ethereum": -2}
		}, "negative position"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := longSignal(0.8)
			portfolio := healthyPortfolio()
			tc.mutate(&sig, &portfolio)

			a := o.Assess(sig, portfolio, MarketContext{}, assessedAt)
			require.False(t, a.Approved)
			assert.Equal(t, LevelCritical, a.Level)
			assert.Contains(t, a.RejectionReason, tc.reasonHas)
		})
	}
}

func TestAssessRejectsOnDailyLossLimit(t *testing.T) {
	o := New(DefaultConfig())
	portfolio := healthyPortfolio()
	portfolio.DailyPnL = -4_990 // one stop-out away from the 5% daily cap

	a := o.Assess(longSignal(0.8), portfolio, MarketContext{}, assessedAt)
	require.False(t, a.Approved)
	assert.Contains(t, a.RejectionReason, "daily loss")
	assert.Contains(t, []Level{LevelHigh, LevelCritical}, a.Level)
}

func TestAssessClampsPositionToCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BasePositionPct = 0.2 // base alone would exceed the 10% ceiling
	o := New(cfg)

	a := o.Assess(longSignal(1.0), healthyPortfolio(), MarketContext{}, assessedAt)
	require.True(t, a.Approved, "rejection: %s", a.RejectionReason)
	assert.InDelta(t, 0.10*100_000, a.PositionSize, 1e-9)
}

func TestAssessAppliesMinimumSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinPositionSize = 5_000
	o := New(cfg)

	a := o.Assess(longSignal(0.5), healthyPortfolio(), MarketContext{}, assessedAt)
	require.True(t, a.Approved, "rejection: %s", a.RejectionReason)
	assert.InDelta(t, 5_000, a.PositionSize, 1e-9)
}

func TestAssessmentCarriesRiskRewardAndTiming(t *testing.T) {
	o := New(DefaultConfig())
	a := o.Assess(longSignal(0.8), healthyPortfolio(), MarketContext{}, assessedAt)

	require.True(t, a.Approved, "rejection: %s", a.RejectionReason)
	assert.Equal(t, 2.0, a.RiskRewardRatio)
	assert.GreaterOrEqual(t, a.ProcessingTimeMs, int64(0))
	assert.Empty(t, a.Warnings, "healthy book carries no warnings")
}

// An empty book puts only the new trade at risk; open positions each add a
// stop-out's worth of exposure to the heat.
func TestPortfolioHeatSumsOpenPositions(t *testing.T) {
	o := New(DefaultConfig())
	bare := o.Assess(longSignal(0.8), healthyPortfolio(), MarketContext{}, assessedAt)
	assert.InDelta(t, bare.PositionRiskPct, bare.PortfolioHeat, 1e-12)

	portfolio := healthyPortfolio()
	portfolio.Positions = map[market.AssetID]float64{"ethereum": 50_000, "solana": 25_000}
	loaded := o.Assess(longSignal(0.8), portfolio, MarketContext{}, assessedAt)

	want := loaded.PositionRiskPct + (50_000+25_000)*0.02/100_000
	assert.InDelta(t, want, loaded.PortfolioHeat, 1e-9)
}

func TestWarnsOnElevatedHeat(t *testing.T) {
	o := New(DefaultConfig())
	portfolio := healthyPortfolio()
	portfolio.Positions = map[market.AssetID]float64{"ethereum": 300_000}

	a := o.Assess(longSignal(0.8), portfolio, MarketContext{}, assessedAt)
	require.True(t, a.Approved, "rejection: %s", a.RejectionReason)
	require.Len(t, a.Warnings, 1)
	assert.Contains(t, a.Warnings[0], "portfolio heat")
}

func TestWarnsApproachingDailyLossLimit(t *testing.T) {
	o := New(DefaultConfig())
	portfolio := healthyPortfolio()
	portfolio.DailyPnL = -4_200 // inside the 5% budget, past 80% of it with a stop-out

	a := o.Assess(longSignal(0.8), portfolio, MarketContext{}, assessedAt)
	require.True(t, a.Approved, "rejection: %s", a.RejectionReason)
	require.Len(t, a.Warnings, 1)
	assert.Contains(t, a.Warnings[0], "daily loss")
}

func TestMarketContextRaisesLevel(t *testing.T) {
	o := New(DefaultConfig())

	calm := o.Assess(longSignal(0.8), healthyPortfolio(), MarketContext{}, assessedAt)
	stormy := o.Assess(longSignal(0.8), healthyPortfolio(),
		MarketContext{Volatility: 0.9, Correlation: 0.8}, assessedAt)

	assert.Equal(t, LevelLow, calm.Level)
	assert.Greater(t, stormy.CompositeScore, calm.CompositeScore)
	assert.NotEqual(t, LevelLow, stormy.Level)
}

func TestClassifyThresholds(t *testing.T) {
	assert.Equal(t, LevelLow, classify(0.079))
	assert.Equal(t, LevelMedium, classify(0.09))
	assert.Equal(t, LevelMedium, classify(0.119))
	assert.Equal(t, LevelHigh, classify(0.15))
	assert.Equal(t, LevelHigh, classify(0.179))
	assert.Equal(t, LevelCritical, classify(0.25))
}

func TestDrawdown(t *testing.T) {
	assert.Zero(t, Drawdown(nil))
	assert.Zero(t, Drawdown([]float64{100, 110, 120}))
	assert.InDelta(t, 0.25, Drawdown([]float64{100, 120, 90}), 1e-9)
	assert.InDelta(t, 0.5, Drawdown([]float64{200, 100}), 1e-9)
}
