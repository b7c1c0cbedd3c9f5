package strategy

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/coinsentry/coinsentry/internal/market"
)

// Analysis is a strategy's intermediate result, opaque to the harness. Each
// strategy asserts its own concrete type in GenerateSignals.
type Analysis interface{}

// Strategy is the capability set every trading strategy implements. Analyze
// must be pure and deterministic for a given snapshot; the snapshot is shared
// and must not be mutated.
type Strategy interface {
	Name() string
	Analyze(snapshot *market.Snapshot) (Analysis, error)
	GenerateSignals(a Analysis) ([]market.Signal, error)
	Parameters() map[string]interface{}
}

// VolatilityReporter is an optional extension: strategies that measure
// volatility surface spike events through it.
type VolatilityReporter interface {
	VolatilityEvents(a Analysis) []market.VolatilityEvent
}

// Factory builds a strategy from its config params.
type Factory func(params map[string]interface{}) (Strategy, error)

var factories = map[string]Factory{
	"momentum":       NewMomentum,
	"rsi_reversion":  NewRSIReversion,
	"vol_percentile": NewVolPercentile,
}

// New builds a registered strategy by name.
func New(name string, params map[string]interface{}) (Strategy, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy: %q (available: %v)", name, Names())
	}
	return factory(params)
}

// Names lists the registered strategy names, sorted.
func Names() []string {
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// paramInt reads an integer param with a default, tolerating JSON/YAML
// decoding both ways.
func paramInt(params map[string]interface{}, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		log.Warn().
			Str("key", key).
			Interface("value", v).
			Msg("Invalid integer param, using default")
		return def
	}
}

func paramFloat(params map[string]interface{}, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		log.Warn().
			Str("key", key).
			Interface("value", v).
			Msg("Invalid float param, using default")
		return def
	}
}
