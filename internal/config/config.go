package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/coinsentry/coinsentry/internal/market"
)

// Config holds all application configuration. It is loaded once at start,
// validated, and immutable thereafter; components receive the subset they
// need.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Tiers       map[string]int    `mapstructure:"tiers"` // tier -> interval seconds
	Assets      []AssetConfig     `mapstructure:"assets"`
	Providers   []ProviderConfig  `mapstructure:"providers"`
	Strategies  []StrategyConfig  `mapstructure:"strategies"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// DSN returns the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// RedisConfig contains Redis cache settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the host:port pair.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// NATSConfig contains NATS alert transport settings.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// AssetConfig binds one asset to a tier and provider.
type AssetConfig struct {
	AssetID  string `mapstructure:"asset_id"`
	Tier     string `mapstructure:"tier"`
	Provider string `mapstructure:"provider"`
}

// ProviderConfig declares one provider's rate-limit window and endpoint.
// BaseURL and APIKey are optional; empty means the provider's public API.
type ProviderConfig struct {
	Name               string `mapstructure:"name"`
	RateLimitPerWindow int    `mapstructure:"rate_limit_per_window"`
	WindowSeconds      int    `mapstructure:"window_seconds"`
	BaseURL            string `mapstructure:"base_url"`
	APIKey             string `mapstructure:"api_key"`
}

// StrategyConfig enables one strategy. Params not understood by the strategy
// are carried but have no effect.
type StrategyConfig struct {
	Name    string                 `mapstructure:"name"`
	Enabled bool                   `mapstructure:"enabled"`
	Weight  float64                `mapstructure:"weight"`
	Params  map[string]interface{} `mapstructure:"params"`
}

// AggregationConfig tunes signal consensus.
type AggregationConfig struct {
	ConsensusThreshold     float64 `mapstructure:"consensus_threshold"`
	MinConfidenceThreshold float64 `mapstructure:"min_confidence_threshold"`
	SignalTTLSeconds       int     `mapstructure:"signal_ttl_seconds"`
}

// RiskConfig contains risk rule parameters.
type RiskConfig struct {
	MaxDrawdownLimit     float64 `mapstructure:"max_drawdown_limit"`
	DailyLossLimit       float64 `mapstructure:"daily_loss_limit"`
	PerTradeStopLoss     float64 `mapstructure:"per_trade_stop_loss"`
	BasePositionPct      float64 `mapstructure:"base_position_pct"`
	MinPositionSize      float64 `mapstructure:"min_position_size"`
	MaxPositionSize      float64 `mapstructure:"max_position_size"`
	ConfidenceMultiplier float64 `mapstructure:"confidence_multiplier"`
	RiskRewardRatio      float64 `mapstructure:"risk_reward_ratio"`
	InitialEquity        float64 `mapstructure:"initial_equity"` // used when no database is attached
}

// SupervisorConfig tunes lifecycle management.
type SupervisorConfig struct {
	DrainDeadlineSeconds int `mapstructure:"drain_deadline_seconds"`
	HealthPollSeconds    int `mapstructure:"health_poll_seconds"`
	UnhealthyStreak      int `mapstructure:"unhealthy_streak"`
	MaxRestarts          int `mapstructure:"max_restarts"`
}

// SchedulerConfig tunes the collection scheduler.
type SchedulerConfig struct {
	MaxConcurrent    int    `mapstructure:"max_concurrent"`
	DisableThreshold int    `mapstructure:"disable_threshold"`
	AutoHealSeconds  int    `mapstructure:"auto_heal_seconds"`
	BootstrapDays    int    `mapstructure:"bootstrap_days"`
	StatePath        string `mapstructure:"state_path"`
	PipelineSeconds  int    `mapstructure:"pipeline_seconds"` // signal pipeline cadence
}

// AlertsConfig selects the alert sinks.
type AlertsConfig struct {
	Dir string `mapstructure:"dir"` // file sink directory, "" disables
}

// MonitoringConfig contains the metrics endpoint settings.
type MonitoringConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

// Load reads configuration from file and environment. A missing file is not
// an error; defaults and environment variables apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("COINSENTRY")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "CoinSentry")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "coinsentry")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "coinsentry.alerts.")

	v.SetDefault("tiers", map[string]int{
		"HIGH_FREQUENCY": 900,
		"HOURLY":         3600,
		"DAILY":          86400,
	})

	v.SetDefault("aggregation.consensus_threshold", 0.6)
	v.SetDefault("aggregation.min_confidence_threshold", 0.1)
	v.SetDefault("aggregation.signal_ttl_seconds", 86400)

	v.SetDefault("risk.max_drawdown_limit", 0.20)
	v.SetDefault("risk.daily_loss_limit", 0.05)
	v.SetDefault("risk.per_trade_stop_loss", 0.02)
	v.SetDefault("risk.base_position_pct", 0.02)
	v.SetDefault("risk.min_position_size", 0.0)
	v.SetDefault("risk.max_position_size", 0.10)
	v.SetDefault("risk.confidence_multiplier", 1.8)
	v.SetDefault("risk.risk_reward_ratio", 2.0)
	v.SetDefault("risk.initial_equity", 100000.0)

	v.SetDefault("supervisor.drain_deadline_seconds", 10)
	v.SetDefault("supervisor.health_poll_seconds", 60)
	v.SetDefault("supervisor.unhealthy_streak", 3)
	v.SetDefault("supervisor.max_restarts", 5)

	v.SetDefault("scheduler.max_concurrent", 8)
	v.SetDefault("scheduler.disable_threshold", 10)
	v.SetDefault("scheduler.auto_heal_seconds", 3600)
	v.SetDefault("scheduler.bootstrap_days", 90)
	v.SetDefault("scheduler.state_path", "./data/scheduler_state.json")
	v.SetDefault("scheduler.pipeline_seconds", 900)

	v.SetDefault("alerts.dir", "./data/alerts")

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_port", 9091)
}

// Validate checks cross-field consistency. Failures here are fatal at
// startup.
func (c *Config) Validate() error {
	for tier := range c.Tiers {
		if !market.Tier(tier).Valid() {
			return fmt.Errorf("config: unknown tier %q", tier)
		}
	}

	providers := make(map[string]bool)
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if p.RateLimitPerWindow <= 0 || p.WindowSeconds <= 0 {
			return fmt.Errorf("config: provider %q needs positive rate limit and window", p.Name)
		}
		if providers[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		providers[p.Name] = true
	}

	for _, a := range c.Assets {
		if a.AssetID == "" {
			return fmt.Errorf("config: asset with empty id")
		}
		if !market.Tier(a.Tier).Valid() {
			return fmt.Errorf("config: asset %q has unknown tier %q", a.AssetID, a.Tier)
		}
		if _, ok := c.Tiers[a.Tier]; !ok {
			return fmt.Errorf("config: asset %q references tier %q with no interval", a.AssetID, a.Tier)
		}
		if !providers[a.Provider] {
			return fmt.Errorf("config: asset %q references unknown provider %q", a.AssetID, a.Provider)
		}
	}

	for _, s := range c.Strategies {
		if s.Name == "" {
			return fmt.Errorf("config: strategy with empty name")
		}
		if s.Weight < 0 {
			return fmt.Errorf("config: strategy %q has negative weight", s.Name)
		}
	}

	if t := c.Aggregation.ConsensusThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("config: consensus_threshold %g outside (0, 1]", t)
	}
	if t := c.Aggregation.MinConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("config: min_confidence_threshold %g outside [0, 1]", t)
	}

	if c.Risk.MaxDrawdownLimit <= 0 || c.Risk.MaxDrawdownLimit > 1 {
		return fmt.Errorf("config: max_drawdown_limit %g outside (0, 1]", c.Risk.MaxDrawdownLimit)
	}
	if c.Risk.PerTradeStopLoss <= 0 || c.Risk.PerTradeStopLoss >= 1 {
		return fmt.Errorf("config: per_trade_stop_loss %g outside (0, 1)", c.Risk.PerTradeStopLoss)
	}
	if c.Risk.RiskRewardRatio <= 0 {
		return fmt.Errorf("config: risk_reward_ratio must be positive")
	}

	if c.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("config: max_restarts must be >= 0")
	}
	return nil
}

// TierIntervals converts the tier map to durations.
func (c *Config) TierIntervals() map[market.Tier]time.Duration {
	out := make(map[market.Tier]time.Duration, len(c.Tiers))
	for tier, seconds := range c.Tiers {
		out[market.Tier(tier)] = time.Duration(seconds) * time.Second
	}
	return out
}
