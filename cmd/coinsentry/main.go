package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/coinsentry/coinsentry/internal/aggregate"
	"github.com/coinsentry/coinsentry/internal/alerts"
	"github.com/coinsentry/coinsentry/internal/backoff"
	"github.com/coinsentry/coinsentry/internal/clock"
	"github.com/coinsentry/coinsentry/internal/collector"
	"github.com/coinsentry/coinsentry/internal/config"
	"github.com/coinsentry/coinsentry/internal/market"
	"github.com/coinsentry/coinsentry/internal/metrics"
	"github.com/coinsentry/coinsentry/internal/pipeline"
	"github.com/coinsentry/coinsentry/internal/ratelimit"
	"github.com/coinsentry/coinsentry/internal/risk"
	"github.com/coinsentry/coinsentry/internal/scheduler"
	"github.com/coinsentry/coinsentry/internal/strategy"
	"github.com/coinsentry/coinsentry/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./configs/config.yaml)")
	migrateOnly := flag.Bool("migrate", false, "run database migrations and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().
		Str("name", cfg.App.Name).
		Str("environment", cfg.App.Environment).
		Int("assets", len(cfg.Assets)).
		Int("strategies", len(cfg.Strategies)).
		Msg("Starting CoinSentry")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *migrateOnly); err != nil {
		log.Fatal().Err(err).Msg("CoinSentry exited with error")
	}
	log.Info().Msg("CoinSentry shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, migrateOnly bool) error {
	clk := clock.Real()
	policy := backoff.DefaultPolicy()

	// Storage: postgres when enabled, in-memory otherwise; redis fronting
	// either when enabled.
	var repo market.Repository = market.NewMemoryRepository()
	var pool *pgxpool.Pool
	if cfg.Database.Enabled {
		var err error
		pool, err = pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("failed to create postgres pool: %w", err)
		}
		defer pool.Close()

		if err := market.NewMigrator(pool).Migrate(ctx); err != nil {
			return err
		}
		repo = market.NewPostgresRepositoryWithPool(pool)
	}
	if migrateOnly {
		if !cfg.Database.Enabled {
			return fmt.Errorf("--migrate requires database.enabled")
		}
		log.Info().Msg("Migrations complete")
		return nil
	}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		repo = market.NewCachedRepository(repo, client, time.Minute)
	}

	// Collection: one rate gate per provider, CoinGecko-backed source.
	gates := ratelimit.NewRegistry()
	for _, p := range cfg.Providers {
		gates.Add(p.Name, p.RateLimitPerWindow, time.Duration(p.WindowSeconds)*time.Second)
	}
	source := market.NewCoinGeckoSource(providerBaseURL(cfg), providerAPIKey(cfg), 30*time.Second)
	runner := collector.NewRunner(source, repo, gates, policy, clk)

	assignments := make([]scheduler.Assignment, 0, len(cfg.Assets))
	assets := make([]market.AssetID, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assignments = append(assignments, scheduler.Assignment{
			Asset:    market.AssetID(a.AssetID),
			Tier:     market.Tier(a.Tier),
			Provider: a.Provider,
		})
		assets = append(assets, market.AssetID(a.AssetID))
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.TierIntervals = cfg.TierIntervals()
	schedCfg.DisableThreshold = cfg.Scheduler.DisableThreshold
	schedCfg.AutoHeal = time.Duration(cfg.Scheduler.AutoHealSeconds) * time.Second
	schedCfg.MaxConcurrent = int64(cfg.Scheduler.MaxConcurrent)
	schedCfg.Bootstrap = time.Duration(cfg.Scheduler.BootstrapDays) * 24 * time.Hour

	store := scheduler.NewFileStore(cfg.Scheduler.StatePath)
	sched, err := scheduler.New(schedCfg, assignments, runner, clk, store, policy)
	if err != nil {
		return err
	}

	// Strategies from config; unknown names are fatal at startup.
	var entries []strategy.Entry
	for _, sc := range cfg.Strategies {
		if !sc.Enabled {
			continue
		}
		s, err := strategy.New(sc.Name, sc.Params)
		if err != nil {
			return fmt.Errorf("failed to build strategy: %w", err)
		}
		entries = append(entries, strategy.Entry{Strategy: s, Weight: sc.Weight})
	}
	harness := strategy.NewHarness(entries, strategy.HarnessConfig{})

	agg := aggregate.New(aggregate.Config{
		ConsensusThreshold:     cfg.Aggregation.ConsensusThreshold,
		MinConfidenceThreshold: cfg.Aggregation.MinConfidenceThreshold,
		SignalTTL:              time.Duration(cfg.Aggregation.SignalTTLSeconds) * time.Second,
	})

	orch := risk.New(risk.Config{
		MaxDrawdownLimit:     cfg.Risk.MaxDrawdownLimit,
		DailyLossLimit:       cfg.Risk.DailyLossLimit,
		StopLossPct:          cfg.Risk.PerTradeStopLoss,
		BasePositionPct:      cfg.Risk.BasePositionPct,
		MinPositionSize:      cfg.Risk.MinPositionSize,
		MaxPositionSize:      cfg.Risk.MaxPositionSize,
		ConfidenceMultiplier: cfg.Risk.ConfidenceMultiplier,
		RiskRewardRatio:      cfg.Risk.RiskRewardRatio,
	})

	// Portfolio state: live from postgres when available, fixed equity
	// otherwise.
	var portfolio pipeline.PortfolioSource = pipeline.StaticPortfolio{
		State: risk.PortfolioState{Equity: cfg.Risk.InitialEquity},
	}
	if pool != nil {
		portfolio = pipeline.CalculatorPortfolio{
			Calc:     risk.NewCalculator(pool),
			Lookback: 30 * 24 * time.Hour,
		}
	}

	sink, err := buildSink(cfg)
	if err != nil {
		return err
	}

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.Interval = time.Duration(cfg.Scheduler.PipelineSeconds) * time.Second
	pipeCfg.Assets = assets
	pipe := pipeline.New(pipeCfg, repo, harness, agg, orch, alerts.NewGenerator(sink), portfolio, clk)

	components := []supervisor.Component{sched, pipe}
	if cfg.Monitoring.Enabled {
		components = append(components,
			metrics.NewServer(cfg.Monitoring.MetricsPort),
			&updaterComponent{u: metrics.NewUpdater(sched, 15*time.Second)},
		)
	}

	supCfg := supervisor.Config{
		DrainDeadline:   time.Duration(cfg.Supervisor.DrainDeadlineSeconds) * time.Second,
		HealthPoll:      time.Duration(cfg.Supervisor.HealthPollSeconds) * time.Second,
		UnhealthyStreak: cfg.Supervisor.UnhealthyStreak,
		MaxRestarts:     cfg.Supervisor.MaxRestarts,
	}
	return supervisor.New(supCfg, clk, policy, components...).Run(ctx)
}

// providerBaseURL and providerAPIKey read the coingecko provider entry,
// falling back to the first configured provider.
func providerBaseURL(cfg *config.Config) string {
	if p, ok := findProvider(cfg); ok {
		return p.BaseURL
	}
	return ""
}

func providerAPIKey(cfg *config.Config) string {
	if p, ok := findProvider(cfg); ok {
		return p.APIKey
	}
	return ""
}

func findProvider(cfg *config.Config) (config.ProviderConfig, bool) {
	for _, p := range cfg.Providers {
		if p.Name == "coingecko" {
			return p, true
		}
	}
	if len(cfg.Providers) > 0 {
		return cfg.Providers[0], true
	}
	return config.ProviderConfig{}, false
}

// buildSink assembles the alert fan-out: file sink when a directory is
// configured, NATS when enabled, log sink always.
func buildSink(cfg *config.Config) (alerts.Sink, error) {
	sinks := []alerts.Sink{alerts.NewLogSink()}

	if cfg.Alerts.Dir != "" {
		fs, err := alerts.NewFileSink(cfg.Alerts.Dir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.NATS.Enabled {
		ns, err := alerts.NewNATSSink(alerts.NATSSinkConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ns)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return alerts.NewMultiSink(sinks...), nil
}

// updaterComponent adapts the metrics updater to the supervised lifecycle.
type updaterComponent struct {
	u *metrics.Updater
}

func (c *updaterComponent) Name() string { return "metrics-updater" }

func (c *updaterComponent) Start(ctx context.Context) error {
	go c.u.Start(context.Background())
	return nil
}

func (c *updaterComponent) Stop(context.Context) error {
	c.u.Stop()
	return nil
}

func (c *updaterComponent) Healthy(context.Context) error { return nil }
