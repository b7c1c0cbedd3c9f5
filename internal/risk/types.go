package risk

import (
	"time"

	"github.com/coinsentry/coinsentry/internal/market"
)

// Level classifies an assessment's overall risk.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// PortfolioState is the caller-supplied view of the portfolio at assessment
// time. Drawdown is fractional peak-to-current decline in [0, 1].
type PortfolioState struct {
	Equity          float64
	CurrentDrawdown float64
	DailyPnL        float64
	Positions       map[market.AssetID]float64 // open notional exposure per asset, quote currency
}

// Assessment is the decision record for one aggregated signal: either an
// approved trade with sizing and stops, or a rejection with a reason.
type Assessment struct {
	Asset      market.AssetID   `json:"asset"`
	Direction  market.Direction `json:"direction"`
	Price      float64          `json:"price"`
	Confidence float64          `json:"confidence"`

	PositionSize    float64 `json:"position_size"`
	StopLoss        float64 `json:"stop_loss"`
	TakeProfit      float64 `json:"take_profit"`
	RiskRewardRatio float64 `json:"risk_reward_ratio"`

	PositionRiskPct float64 `json:"position_risk_pct"`
	PortfolioHeat   float64 `json:"portfolio_heat"`
	CompositeScore  float64 `json:"composite_score"`

	Level           Level    `json:"risk_level"`
	Approved        bool     `json:"approved"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`

	ContributingStrategies []string  `json:"contributing_strategies,omitempty"`
	AssessedAt             time.Time `json:"assessed_at"`
	ProcessingTimeMs       int64     `json:"processing_time_ms"`
}
