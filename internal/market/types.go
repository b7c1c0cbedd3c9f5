package market

import (
	"sort"
	"time"
)

// AssetID identifies one tracked asset, e.g. "bitcoin". IDs are stable across
// restarts and are the grouping key for bars, tasks and signals.
type AssetID string

// Tier is the cadence class assigning a collection interval to an asset.
type Tier string

const (
	TierHighFrequency Tier = "HIGH_FREQUENCY"
	TierHourly        Tier = "HOURLY"
	TierDaily         Tier = "DAILY"
)

// Priority orders tiers for dispatch tie-breaking; lower is more urgent.
func (t Tier) Priority() int {
	switch t {
	case TierHighFrequency:
		return 0
	case TierHourly:
		return 1
	case TierDaily:
		return 2
	default:
		return 3
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t == TierHighFrequency || t == TierHourly || t == TierDaily
}

// Bar is one OHLCV candle. Timestamp is epoch milliseconds; (Asset, Timestamp)
// is the uniqueness key everywhere bars are stored.
type Bar struct {
	Asset     AssetID `json:"asset"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Time converts the bar's epoch-ms timestamp to time.Time (UTC).
func (b Bar) Time() time.Time {
	return time.UnixMilli(b.Timestamp).UTC()
}

// MacroPoint is one macro-indicator observation, e.g. a FRED series value.
// (Indicator, Date) is the uniqueness key.
type MacroPoint struct {
	Indicator    string    `json:"indicator"`
	Date         time.Time `json:"date"`
	Value        float64   `json:"value"`
	Interpolated bool      `json:"interpolated"`
}

// Window selects a half-open time range [From, To) of bars.
type Window struct {
	From time.Time
	To   time.Time
}

// Snapshot is the immutable per-tick view handed to strategies: recent bars
// per asset plus macro series. Strategies must not mutate it; accessors hand
// out copies.
type Snapshot struct {
	takenAt time.Time
	bars    map[AssetID][]Bar
	macro   map[string][]MacroPoint
}

// NewSnapshot builds a snapshot, copying the input maps so later mutation by
// the producer cannot leak through.
func NewSnapshot(takenAt time.Time, bars map[AssetID][]Bar, macro map[string][]MacroPoint) *Snapshot {
	s := &Snapshot{
		takenAt: takenAt,
		bars:    make(map[AssetID][]Bar, len(bars)),
		macro:   make(map[string][]MacroPoint, len(macro)),
	}
	for asset, bs := range bars {
		cp := make([]Bar, len(bs))
		copy(cp, bs)
		s.bars[asset] = cp
	}
	for ind, pts := range macro {
		cp := make([]MacroPoint, len(pts))
		copy(cp, pts)
		s.macro[ind] = cp
	}
	return s
}

// TakenAt returns when the snapshot was produced.
func (s *Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// Assets lists the asset IDs present, in lexicographic order.
func (s *Snapshot) Assets() []AssetID {
	out := make([]AssetID, 0, len(s.bars))
	for a := range s.bars {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Bars returns a copy of the ordered bar sequence for an asset.
func (s *Snapshot) Bars(asset AssetID) []Bar {
	bs, ok := s.bars[asset]
	if !ok {
		return nil
	}
	cp := make([]Bar, len(bs))
	copy(cp, bs)
	return cp
}

// Closes returns the close-price series for an asset, oldest first.
func (s *Snapshot) Closes(asset AssetID) []float64 {
	bs := s.bars[asset]
	out := make([]float64, len(bs))
	for i, b := range bs {
		out[i] = b.Close
	}
	return out
}

// LastBar returns the most recent bar for an asset, if any.
func (s *Snapshot) LastBar(asset AssetID) (Bar, bool) {
	bs := s.bars[asset]
	if len(bs) == 0 {
		return Bar{}, false
	}
	return bs[len(bs)-1], true
}

// Macro returns a copy of the macro series for an indicator.
func (s *Snapshot) Macro(indicator string) []MacroPoint {
	pts, ok := s.macro[indicator]
	if !ok {
		return nil
	}
	cp := make([]MacroPoint, len(pts))
	copy(cp, pts)
	return cp
}

// Direction is the side of a trading signal.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Signal is a single strategy's directional suggestion for one asset.
// Immutable after creation.
type Signal struct {
	ID         string    `json:"id"`
	Strategy   string    `json:"strategy"`
	Asset      AssetID   `json:"asset"`
	Direction  Direction `json:"direction"`
	Price      float64   `json:"price"`
	Confidence float64   `json:"confidence"`
	ProducedAt time.Time `json:"produced_at"`
}

// VolatilityEvent is raised by a strategy when percentile-based volatility
// exceeds its configured threshold.
type VolatilityEvent struct {
	Asset             AssetID   `json:"asset"`
	Price             float64   `json:"price"`
	Volatility        float64   `json:"volatility"`
	Percentile        float64   `json:"percentile"`
	ThresholdExceeded float64   `json:"threshold_exceeded"`
	ObservedAt        time.Time `json:"observed_at"`
}
