package aggregate

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coinsentry/coinsentry/internal/market"
)

// Config carries the aggregation thresholds.
type Config struct {
	ConsensusThreshold     float64       // winning vote share required for consensus
	MinConfidenceThreshold float64       // aggregated signals below this are dropped
	SignalTTL              time.Duration // signals older than this are discarded
}

// DefaultConfig returns the standard aggregation tuning.
func DefaultConfig() Config {
	return Config{
		ConsensusThreshold:     0.6,
		MinConfidenceThreshold: 0.1,
		SignalTTL:              24 * time.Hour,
	}
}

// AggregatedSignal is the per-asset consensus over all strategy signals in
// one tick. ContributingStrategies lists every strategy that voted,
// dissenters included.
type AggregatedSignal struct {
	Asset                  market.AssetID   `json:"asset"`
	Direction              market.Direction `json:"direction"`
	Price                  float64          `json:"price"`
	Confidence             float64          `json:"confidence"`
	ContributingStrategies []string         `json:"contributing_strategies"`
	AggregatedAt           time.Time        `json:"aggregated_at"`
}

// Aggregator folds raw strategy signals into at most one consensus signal per
// asset. It is stateless across ticks.
type Aggregator struct {
	cfg    Config
	logger zerolog.Logger
}

// New builds an aggregator.
func New(cfg Config) *Aggregator {
	return &Aggregator{
		cfg:    cfg,
		logger: log.With().Str("component", "aggregator").Logger(),
	}
}

// Aggregate runs the consensus vote over signals for one tick taken at now.
// Output is in deterministic asset order.
func (a *Aggregator) Aggregate(now time.Time, signals []market.Signal) []AggregatedSignal {
	fresh := a.dropStale(now, signals)

	byAsset := make(map[market.AssetID][]market.Signal)
	for _, s := range fresh {
		byAsset[s.Asset] = append(byAsset[s.Asset], s)
	}

	assets := make([]market.AssetID, 0, len(byAsset))
	for asset := range byAsset {
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })

	var out []AggregatedSignal
	for _, asset := range assets {
		agg, ok := a.consensus(now, asset, byAsset[asset])
		if !ok {
			continue
		}
		if agg.Confidence < a.cfg.MinConfidenceThreshold {
			a.logger.Debug().
				Str("asset", string(asset)).
				Float64("confidence", agg.Confidence).
				Msg("Aggregated signal below confidence floor, dropped")
			continue
		}
		out = append(out, agg)
	}

	a.logger.Debug().
		Int("signals_in", len(signals)).
		Int("fresh", len(fresh)).
		Int("aggregated", len(out)).
		Msg("Aggregation tick complete")
	return out
}

func (a *Aggregator) dropStale(now time.Time, signals []market.Signal) []market.Signal {
	out := make([]market.Signal, 0, len(signals))
	for _, s := range signals {
		if now.Sub(s.ProducedAt) > a.cfg.SignalTTL {
			a.logger.Debug().
				Str("asset", string(s.Asset)).
				Str("strategy", s.Strategy).
				Time("produced_at", s.ProducedAt).
				Msg("Stale signal discarded")
			continue
		}
		out = append(out, s)
	}
	return out
}

// consensus runs the confidence-weighted vote for one asset.
func (a *Aggregator) consensus(now time.Time, asset market.AssetID, signals []market.Signal) (AggregatedSignal, bool) {
	strategies := make([]string, 0, len(signals))
	for _, s := range signals {
		strategies = append(strategies, s.Strategy)
	}
	sort.Strings(strategies)

	if len(signals) == 1 {
		s := signals[0]
		return AggregatedSignal{
			Asset:                  asset,
			Direction:              s.Direction,
			Price:                  s.Price,
			Confidence:             s.Confidence,
			ContributingStrategies: strategies,
			AggregatedAt:           now,
		}, true
	}

	var voteLong, voteShort float64
	for _, s := range signals {
		switch s.Direction {
		case market.DirectionLong:
			voteLong += s.Confidence
		case market.DirectionShort:
			voteShort += s.Confidence
		}
	}
	total := voteLong + voteShort
	if total == 0 {
		return AggregatedSignal{}, false
	}

	winner := market.DirectionLong
	winning := voteLong
	if voteShort > voteLong {
		winner = market.DirectionShort
		winning = voteShort
	}
	if winning < a.cfg.ConsensusThreshold*total {
		a.logger.Debug().
			Str("asset", string(asset)).
			Float64("vote_long", voteLong).
			Float64("vote_short", voteShort).
			Msg("No consensus, asset skipped")
		return AggregatedSignal{}, false
	}

	// Price is the confidence-weighted mean over the winning side.
	var priceSum, weightSum, maxConf float64
	for _, s := range signals {
		if s.Direction == winner {
			priceSum += s.Price * s.Confidence
			weightSum += s.Confidence
			if s.Confidence > maxConf {
				maxConf = s.Confidence
			}
		}
	}

	// Consensus confidence is the winning vote share, capped so agreement
	// never produces more confidence than the strongest contributor had.
	confidence := winning / total
	if confidence > maxConf {
		confidence = maxConf
	}

	return AggregatedSignal{
		Asset:                  asset,
		Direction:              winner,
		Price:                  priceSum / weightSum,
		Confidence:             confidence,
		ContributingStrategies: strategies,
		AggregatedAt:           now,
	}, true
}
