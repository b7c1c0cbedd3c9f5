package alerts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/coinsentry/coinsentry/internal/market"
)

// SchemaVersion is the current alert record schema version.
const SchemaVersion = 1

// Kind distinguishes the two alert families.
type Kind string

const (
	KindVolatilitySpike Kind = "VOLATILITY_SPIKE"
	KindSignal          Kind = "SIGNAL"
)

// Record is the externally-visible serialized form of an alert. The schema is
// stable: payload fields are kind-specific, everything else is fixed.
type Record struct {
	SchemaVersion int             `json:"schemaVersion"`
	Timestamp     int64           `json:"timestamp"` // epoch ms
	Kind          Kind            `json:"kind"`
	Asset         market.AssetID  `json:"asset"`
	Payload       json.RawMessage `json:"payload"`
}

// SignalPayload is the payload of a SIGNAL alert, reproducing the approved
// assessment's decision fields.
type SignalPayload struct {
	AssetID                market.AssetID   `json:"assetId"`
	Direction              market.Direction `json:"direction"`
	Price                  float64          `json:"price"`
	Confidence             float64          `json:"confidence"`
	PositionSize           float64          `json:"positionSize"`
	StopLoss               float64          `json:"stopLoss"`
	TakeProfit             float64          `json:"takeProfit"`
	ContributingStrategies []string         `json:"contributingStrategies"`
	RiskLevel              string           `json:"riskLevel"`
}

// VolatilityPayload is the payload of a VOLATILITY_SPIKE alert.
type VolatilityPayload struct {
	AssetID           market.AssetID `json:"assetId"`
	Price             float64        `json:"price"`
	Volatility        float64        `json:"volatility"`
	Percentile        float64        `json:"percentile"`
	ThresholdExceeded float64        `json:"thresholdExceeded"`
}

// Filename returns the conventional alert file name:
// <KIND>_<asset>_<utcYYYYMMDD_HHMMSS>.json.
func (r Record) Filename() string {
	ts := time.UnixMilli(r.Timestamp).UTC()
	return fmt.Sprintf("%s_%s_%s.json", r.Kind, r.Asset, ts.Format("20060102_150405"))
}

// Marshal serializes the record.
func (r Record) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert record: %w", err)
	}
	return data, nil
}

// Unmarshal parses a serialized record and checks the schema version.
func Unmarshal(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal alert record: %w", err)
	}
	if r.SchemaVersion != SchemaVersion {
		return Record{}, fmt.Errorf("unsupported alert schema version %d", r.SchemaVersion)
	}
	return r, nil
}
