package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/coinsentry/coinsentry/internal/backoff"
)

// Bounded label values. Error kinds come from the pipeline taxonomy and are
// already bounded; anything unknown collapses to "other" so label cardinality
// stays fixed.
const errKindOther = "other"

// NormalizeErrKind maps an error kind to its bounded metric label.
func NormalizeErrKind(kind backoff.Kind) string {
	switch kind {
	case backoff.KindTransient, backoff.KindRateLimited, backoff.KindValidation,
		backoff.KindConfig, backoff.KindLimit, backoff.KindCanceled, backoff.KindInternal:
		return string(kind)
	default:
		return errKindOther
	}
}

// Collection pipeline metrics.
var (
	CollectionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinsentry_collection_runs_total",
		Help: "Collection runs by result (success or error kind)",
	}, []string{"result"})

	CollectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coinsentry_collection_duration_seconds",
		Help:    "Wall time of one collection run",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	BarsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinsentry_bars_persisted_total",
		Help: "OHLCV bars written to the repository",
	})

	TasksByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coinsentry_tasks",
		Help: "Collection tasks by lifecycle state",
	}, []string{"state"})

	APICallsToday = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coinsentry_api_calls_today",
		Help: "Provider API calls made since the last UTC midnight",
	})
)

// Signal pipeline metrics.
var (
	StrategySignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinsentry_strategy_signals_total",
		Help: "Raw signals produced per strategy",
	}, []string{"strategy"})

	StrategyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinsentry_strategy_failures_total",
		Help: "Strategy runs whose output was dropped",
	}, []string{"strategy"})

	AggregatedSignals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinsentry_aggregated_signals_total",
		Help: "Consensus signals emitted by the aggregator",
	})

	Assessments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinsentry_risk_assessments_total",
		Help: "Risk assessments by level and approval",
	}, []string{"level", "approved"})

	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinsentry_alerts_emitted_total",
		Help: "Alerts handed to the sink, by kind",
	}, []string{"kind"})
)

// Supervisor metrics.
var (
	ComponentRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinsentry_component_restarts_total",
		Help: "Supervisor-initiated component restarts",
	}, []string{"component"})

	ComponentUnhealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coinsentry_component_unhealthy",
		Help: "1 when a component's last health poll failed",
	}, []string{"component"})
)
