package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coinsentry/coinsentry/internal/aggregate"
	"github.com/coinsentry/coinsentry/internal/market"
)

// Config carries the risk rule parameters.
type Config struct {
	MaxDrawdownLimit     float64 // hard drawdown ceiling
	DailyLossLimit       float64 // fraction of equity allowed to be lost per day
	StopLossPct          float64 // per-trade stop distance
	BasePositionPct      float64 // base position as fraction of equity
	MinPositionSize      float64 // absolute floor, 0 = no floor
	MaxPositionSize      float64 // position ceiling as fraction of equity
	ConfidenceMultiplier float64 // confidence scaling around 0.5
	RiskRewardRatio      float64 // take-profit distance in stop-loss units
}

// DefaultConfig returns the standard risk tuning.
func DefaultConfig() Config {
	return Config{
		MaxDrawdownLimit:     0.20,
		DailyLossLimit:       0.05,
		StopLossPct:          0.02,
		BasePositionPct:      0.02,
		MaxPositionSize:      0.10,
		ConfidenceMultiplier: 1.8,
		RiskRewardRatio:      2.0,
	}
}

// Composite score weights. Drawdown carries the same weight as direct
// position risk; the optional market inputs carry less.
const (
	weightPositionRisk = 0.25
	weightHeat         = 0.25
	weightDrawdown     = 0.25
	weightVolatility   = 0.15
	weightCorrelation  = 0.10
)

// Composite thresholds on score x 100.
const (
	scoreLowMax    = 8
	scoreMediumMax = 12
	scoreHighMax   = 18
)

// Soft-condition thresholds. These annotate an assessment with a warning
// without rejecting the trade.
const (
	warnHeatPct       = 0.05 // portfolio heat above 5% of equity
	warnDailyLossFrac = 0.8  // worst case consumes over 80% of the daily budget
)

// MarketContext carries the optional volatility and correlation inputs to the
// composite score. Zero values contribute nothing.
type MarketContext struct {
	Volatility  float64
	Correlation float64
}

// Orchestrator turns aggregated signals into assessments. All calculation
// steps are individually guarded: any failure yields a CRITICAL rejection,
// never a panic escaping to the caller.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger
}

// New builds an orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		logger: log.With().Str("component", "risk").Logger(),
	}
}

// Assess produces the decision record for one signal against the current
// portfolio.
func (o *Orchestrator) Assess(signal aggregate.AggregatedSignal, portfolio PortfolioState, mkt MarketContext, now time.Time) (out Assessment) {
	started := time.Now()
	out = Assessment{
		Asset:                  signal.Asset,
		Direction:              signal.Direction,
		Price:                  signal.Price,
		Confidence:             signal.Confidence,
		RiskRewardRatio:        o.cfg.RiskRewardRatio,
		ContributingStrategies: signal.ContributingStrategies,
		AssessedAt:             now,
	}
	defer func() {
		out.ProcessingTimeMs = time.Since(started).Milliseconds()
	}()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Interface("panic", r).
				Str("asset", string(signal.Asset)).
				Msg("Risk assessment panicked, rejecting")
			out = o.critical(out, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if reason := o.validate(signal, portfolio); reason != "" {
		return o.critical(out, reason)
	}

	size, err := o.positionSize(signal.Confidence, portfolio.Equity)
	if err != nil {
		return o.critical(out, err.Error())
	}
	out.PositionSize = size

	stop, take, err := o.stops(signal.Direction, signal.Price)
	if err != nil {
		return o.critical(out, err.Error())
	}
	out.StopLoss = stop
	out.TakeProfit = take

	out.PositionRiskPct = size * o.cfg.StopLossPct / portfolio.Equity

	// Heat is the new trade's risk plus a stop-out on every open position.
	out.PortfolioHeat = out.PositionRiskPct
	for _, exposure := range portfolio.Positions {
		out.PortfolioHeat += exposure * o.cfg.StopLossPct / portfolio.Equity
	}

	out.Warnings = o.warnings(size, out.PortfolioHeat, portfolio)

	out.CompositeScore = weightPositionRisk*out.PositionRiskPct +
		weightHeat*out.PortfolioHeat +
		weightDrawdown*portfolio.CurrentDrawdown +
		weightVolatility*mkt.Volatility +
		weightCorrelation*mkt.Correlation
	out.Level = classify(out.CompositeScore)

	if reason := o.hardLimits(size, portfolio); reason != "" {
		out.Approved = false
		out.RejectionReason = reason
		if out.Level == LevelLow || out.Level == LevelMedium {
			out.Level = LevelHigh
		}
		o.logger.Warn().
			Str("asset", string(signal.Asset)).
			Str("reason", reason).
			Str("level", string(out.Level)).
			Msg("Signal rejected by hard limits")
		return out
	}

	out.Approved = true
	o.logger.Info().
		Str("asset", string(signal.Asset)).
		Str("direction", string(signal.Direction)).
		Float64("size", out.PositionSize).
		Float64("stop_loss", out.StopLoss).
		Float64("take_profit", out.TakeProfit).
		Str("level", string(out.Level)).
		Msg("Signal approved")
	return out
}

// validate returns a rejection reason, or "" when the inputs are sane.
func (o *Orchestrator) validate(signal aggregate.AggregatedSignal, portfolio PortfolioState) string {
	switch {
	case math.IsNaN(signal.Confidence) || signal.Confidence < 0 || signal.Confidence > 1:
		return fmt.Sprintf("confidence %g outside [0, 1]", signal.Confidence)
	case math.IsNaN(signal.Price) || signal.Price <= 0:
		return fmt.Sprintf("price %g must be positive", signal.Price)
	case signal.Direction != market.DirectionLong && signal.Direction != market.DirectionShort:
		return fmt.Sprintf("unknown direction %q", signal.Direction)
	case math.IsNaN(portfolio.Equity) || portfolio.Equity <= 0:
		return fmt.Sprintf("equity %g must be positive", portfolio.Equity)
	case math.IsNaN(portfolio.CurrentDrawdown) || portfolio.CurrentDrawdown < 0 || portfolio.CurrentDrawdown > 1:
		return fmt.Sprintf("drawdown %g outside [0, 1]", portfolio.CurrentDrawdown)
	}
	for asset, exposure := range portfolio.Positions {
		if exposure < 0 {
			return fmt.Sprintf("negative position exposure %g for %s", exposure, asset)
		}
	}
	return ""
}

// warnings surfaces soft conditions: the trade stays eligible, but the book
// is running hot enough that the caller should know.
func (o *Orchestrator) warnings(size, heat float64, portfolio PortfolioState) []string {
	var w []string
	if heat > warnHeatPct {
		w = append(w, fmt.Sprintf("elevated portfolio heat: %.4f of equity at risk", heat))
	}
	worstCase := portfolio.DailyPnL - size*o.cfg.StopLossPct
	if worstCase < -warnDailyLossFrac*o.cfg.DailyLossLimit*portfolio.Equity {
		w = append(w, fmt.Sprintf("approaching daily loss limit: worst case %.2f against a %.2f budget",
			worstCase, -o.cfg.DailyLossLimit*portfolio.Equity))
	}
	return w
}

// positionSize sizes the trade from equity and confidence, clamped to the
// configured bounds.
func (o *Orchestrator) positionSize(confidence, equity float64) (float64, error) {
	size := equity * o.cfg.BasePositionPct * (1 + (confidence-0.5)*o.cfg.ConfidenceMultiplier)
	if math.IsNaN(size) || math.IsInf(size, 0) {
		return 0, fmt.Errorf("position size calculation produced %g", size)
	}
	ceiling := o.cfg.MaxPositionSize * equity
	if size > ceiling {
		size = ceiling
	}
	if size < o.cfg.MinPositionSize {
		size = o.cfg.MinPositionSize
	}
	if size <= 0 {
		return 0, fmt.Errorf("position size %g not positive", size)
	}
	return size, nil
}

// stops places the stop loss and take profit around the entry price. The
// take-profit distance is RiskRewardRatio stop-loss units.
func (o *Orchestrator) stops(dir market.Direction, price float64) (stop, take float64, err error) {
	tpPct := o.cfg.RiskRewardRatio * o.cfg.StopLossPct
	switch dir {
	case market.DirectionLong:
		stop = price * (1 - o.cfg.StopLossPct)
		take = price * (1 + tpPct)
	case market.DirectionShort:
		stop = price * (1 + o.cfg.StopLossPct)
		take = price * (1 - tpPct)
	default:
		return 0, 0, fmt.Errorf("unknown direction %q", dir)
	}
	if stop <= 0 || take <= 0 {
		return 0, 0, fmt.Errorf("stop placement produced non-positive level (stop=%g, take=%g)", stop, take)
	}
	return stop, take, nil
}

// hardLimits returns a rejection reason when any hard rule fails.
func (o *Orchestrator) hardLimits(size float64, portfolio PortfolioState) string {
	projectedImpact := size / portfolio.Equity
	if portfolio.CurrentDrawdown+projectedImpact > o.cfg.MaxDrawdownLimit {
		return fmt.Sprintf("drawdown limit: current %.4f + projected %.4f exceeds %.2f",
			portfolio.CurrentDrawdown, projectedImpact, o.cfg.MaxDrawdownLimit)
	}
	if portfolio.DailyPnL-size*o.cfg.StopLossPct < -o.cfg.DailyLossLimit*portfolio.Equity {
		return fmt.Sprintf("daily loss limit: pnl %.2f with worst-case stop %.2f breaches %.2f%% of equity",
			portfolio.DailyPnL, size*o.cfg.StopLossPct, o.cfg.DailyLossLimit*100)
	}
	if size > o.cfg.MaxPositionSize*portfolio.Equity {
		return fmt.Sprintf("position size %.2f exceeds %.2f%% of equity",
			size, o.cfg.MaxPositionSize*100)
	}
	return ""
}

func (o *Orchestrator) critical(a Assessment, reason string) Assessment {
	a.Approved = false
	a.Level = LevelCritical
	a.RejectionReason = reason
	o.logger.Warn().
		Str("asset", string(a.Asset)).
		Str("reason", reason).
		Msg("Signal rejected as CRITICAL")
	return a
}

// classify maps a composite score to a risk level. Thresholds apply to the
// score scaled by 100.
func classify(score float64) Level {
	scaled := score * 100
	switch {
	case scaled <= scoreLowMax:
		return LevelLow
	case scaled <= scoreMediumMax:
		return LevelMedium
	case scaled <= scoreHighMax:
		return LevelHigh
	default:
		return LevelCritical
	}
}
