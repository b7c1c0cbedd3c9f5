package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coinsentry/coinsentry/internal/aggregate"
	"github.com/coinsentry/coinsentry/internal/alerts"
	"github.com/coinsentry/coinsentry/internal/clock"
	"github.com/coinsentry/coinsentry/internal/market"
	"github.com/coinsentry/coinsentry/internal/metrics"
	"github.com/coinsentry/coinsentry/internal/risk"
	"github.com/coinsentry/coinsentry/internal/strategy"
)

// PortfolioSource provides the portfolio state risk assessment runs against.
type PortfolioSource interface {
	Portfolio(ctx context.Context, now time.Time) (risk.PortfolioState, error)
}

// StaticPortfolio is a fixed-equity portfolio source for deployments without
// a position store.
type StaticPortfolio struct {
	State risk.PortfolioState
}

func (s StaticPortfolio) Portfolio(context.Context, time.Time) (risk.PortfolioState, error) {
	return s.State, nil
}

// CalculatorPortfolio loads live portfolio state from the position store on
// every cycle.
type CalculatorPortfolio struct {
	Calc     *risk.Calculator
	Lookback time.Duration
}

func (c CalculatorPortfolio) Portfolio(ctx context.Context, now time.Time) (risk.PortfolioState, error) {
	return c.Calc.LoadPortfolioState(ctx, now, c.Lookback)
}

// Config carries the pipeline tunables.
type Config struct {
	Interval time.Duration    // cadence of analysis cycles
	Window   time.Duration    // how much bar history each snapshot carries
	Assets   []market.AssetID // assets to analyze, in configured order
}

// DefaultConfig returns the standard pipeline tuning: one cycle per
// high-frequency quantum over 30 days of history.
func DefaultConfig() Config {
	return Config{
		Interval: 900 * time.Second,
		Window:   30 * 24 * time.Hour,
	}
}

// Pipeline drives the analysis cycle: snapshot, strategies, aggregation,
// risk assessment, alerts. It is a supervised component.
type Pipeline struct {
	cfg       Config
	repo      market.Repository
	harness   *strategy.Harness
	agg       *aggregate.Aggregator
	orch      *risk.Orchestrator
	gen       *alerts.Generator
	portfolio PortfolioSource
	clk       clock.Clock
	logger    zerolog.Logger

	mu      sync.Mutex
	lastErr error
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// New wires a pipeline over already-constructed stages.
func New(
	cfg Config,
	repo market.Repository,
	harness *strategy.Harness,
	agg *aggregate.Aggregator,
	orch *risk.Orchestrator,
	gen *alerts.Generator,
	portfolio PortfolioSource,
	clk clock.Clock,
) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		repo:      repo,
		harness:   harness,
		agg:       agg,
		orch:      orch,
		gen:       gen,
		portfolio: portfolio,
		clk:       clk,
		logger:    log.With().Str("component", "pipeline").Logger(),
	}
}

func (p *Pipeline) Name() string { return "pipeline" }

// Start launches the cycle loop on a background goroutine.
func (p *Pipeline) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.loop(runCtx)
	p.logger.Info().
		Dur("interval", p.cfg.Interval).
		Int("assets", len(p.cfg.Assets)).
		Msg("Pipeline started")
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle to finish, bounded
// by ctx.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.doneCh
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline drain interrupted: %w", ctx.Err())
	}
}

// Healthy reports the error from the most recent cycle, if any.
func (p *Pipeline) Healthy(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Pipeline) loop(ctx context.Context) {
	defer close(p.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clk.After(p.cfg.Interval):
			err := p.RunOnce(ctx)
			if ctx.Err() != nil {
				// Shutdown interrupted the cycle; that is not a health signal.
				return
			}
			p.mu.Lock()
			p.lastErr = err
			p.mu.Unlock()
			if err != nil {
				p.logger.Error().Err(err).Msg("Analysis cycle failed")
			}
		}
	}
}

// RunOnce executes a single analysis cycle at the current clock time.
func (p *Pipeline) RunOnce(ctx context.Context) error {
	now := p.clk.Now()

	snap, err := p.repo.GetSnapshot(ctx, p.cfg.Assets, market.Window{
		From: now.Add(-p.cfg.Window),
		To:   now,
	})
	if err != nil {
		return fmt.Errorf("failed to build snapshot: %w", err)
	}

	res := p.harness.Run(ctx, snap)
	for _, sig := range res.Signals {
		metrics.StrategySignals.WithLabelValues(sig.Strategy).Inc()
	}
	for name, ferr := range res.Failed {
		metrics.StrategyFailures.WithLabelValues(name).Inc()
		p.logger.Warn().Err(ferr).Str("strategy", name).Msg("Strategy dropped this cycle")
	}

	aggregated := p.agg.Aggregate(now, res.Signals)
	metrics.AggregatedSignals.Add(float64(len(aggregated)))

	if len(aggregated) > 0 {
		if err := p.assess(ctx, now, aggregated, res.Volatility); err != nil {
			return err
		}
	}

	for _, ev := range res.Volatility {
		if err := p.gen.FromVolatilityEvent(ctx, ev); err != nil {
			return fmt.Errorf("failed to emit volatility alert: %w", err)
		}
		metrics.AlertsEmitted.WithLabelValues(string(alerts.KindVolatilitySpike)).Inc()
	}

	p.logger.Debug().
		Int("signals", len(res.Signals)).
		Int("aggregated", len(aggregated)).
		Int("volatility_events", len(res.Volatility)).
		Msg("Analysis cycle complete")
	return nil
}

// assess runs each aggregated signal through risk and emits alerts for the
// approved ones, in aggregation order.
func (p *Pipeline) assess(ctx context.Context, now time.Time, aggregated []aggregate.AggregatedSignal, vol []market.VolatilityEvent) error {
	portfolio, err := p.portfolio.Portfolio(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to load portfolio state: %w", err)
	}

	volByAsset := make(map[market.AssetID]float64, len(vol))
	for _, ev := range vol {
		volByAsset[ev.Asset] = clamp01(ev.Volatility)
	}

	for _, sig := range aggregated {
		mkt := risk.MarketContext{Volatility: volByAsset[sig.Asset]}
		assessment := p.orch.Assess(sig, portfolio, mkt, now)
		metrics.Assessments.WithLabelValues(
			string(assessment.Level),
			fmt.Sprintf("%t", assessment.Approved),
		).Inc()

		if err := p.gen.FromAssessment(ctx, assessment); err != nil {
			return fmt.Errorf("failed to emit signal alert: %w", err)
		}
		if assessment.Approved {
			metrics.AlertsEmitted.WithLabelValues(string(alerts.KindSignal)).Inc()
		}
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
