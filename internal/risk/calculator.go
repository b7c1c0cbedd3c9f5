package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/coinsentry/coinsentry/internal/market"
)

// PoolInterface is the slice of a pgx pool the calculator needs.
type PoolInterface interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Calculator derives portfolio state from persisted equity snapshots.
type Calculator struct {
	pool PoolInterface
}

// NewCalculator creates a calculator over a database pool.
func NewCalculator(pool PoolInterface) *Calculator {
	return &Calculator{pool: pool}
}

const equityCurveSQL = `
	SELECT equity, taken_at
	FROM portfolio_snapshots
	WHERE taken_at >= $1
	ORDER BY taken_at ASC`

const openPositionsSQL = `
	SELECT asset_id, quantity * entry_price
	FROM positions
	WHERE closed_at IS NULL`

// LoadPortfolioState reconstructs equity, drawdown and daily PnL from the
// snapshot history over the lookback window.
func (c *Calculator) LoadPortfolioState(ctx context.Context, now time.Time, lookback time.Duration) (PortfolioState, error) {
	if c.pool == nil {
		return PortfolioState{}, fmt.Errorf("no database pool available")
	}

	rows, err := c.pool.Query(ctx, equityCurveSQL, now.Add(-lookback))
	if err != nil {
		return PortfolioState{}, fmt.Errorf("failed to query equity curve: %w", err)
	}
	defer rows.Close()

	var curve []float64
	var times []time.Time
	for rows.Next() {
		var equity float64
		var takenAt time.Time
		if err := rows.Scan(&equity, &takenAt); err != nil {
			return PortfolioState{}, fmt.Errorf("failed to scan equity row: %w", err)
		}
		curve = append(curve, equity)
		times = append(times, takenAt)
	}
	if err := rows.Err(); err != nil {
		return PortfolioState{}, fmt.Errorf("error iterating equity rows: %w", err)
	}
	if len(curve) == 0 {
		return PortfolioState{}, fmt.Errorf("no equity snapshots in the last %s", lookback)
	}

	state := PortfolioState{
		Equity:          curve[len(curve)-1],
		CurrentDrawdown: Drawdown(curve),
		DailyPnL:        dailyPnL(curve, times, now),
		Positions:       make(map[market.AssetID]float64),
	}

	posRows, err := c.pool.Query(ctx, openPositionsSQL)
	if err != nil {
		return PortfolioState{}, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer posRows.Close()
	for posRows.Next() {
		var asset string
		var exposure float64
		if err := posRows.Scan(&asset, &exposure); err != nil {
			return PortfolioState{}, fmt.Errorf("failed to scan position row: %w", err)
		}
		state.Positions[market.AssetID(asset)] = exposure
	}
	if err := posRows.Err(); err != nil {
		return PortfolioState{}, fmt.Errorf("error iterating position rows: %w", err)
	}

	log.Debug().
		Int("snapshots", len(curve)).
		Float64("equity", state.Equity).
		Float64("drawdown", state.CurrentDrawdown).
		Msg("Portfolio state loaded from database")
	return state, nil
}

// Drawdown returns the fractional decline from the curve's peak to its last
// value, in [0, 1].
func Drawdown(curve []float64) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak := curve[0]
	for _, v := range curve {
		if v > peak {
			peak = v
		}
	}
	if peak <= 0 {
		return 0
	}
	dd := (peak - curve[len(curve)-1]) / peak
	if dd < 0 {
		return 0
	}
	return dd
}

// dailyPnL is the equity change since the first snapshot of the current UTC
// day. Zero when today has no earlier snapshot.
func dailyPnL(curve []float64, times []time.Time, now time.Time) float64 {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	for i, ts := range times {
		if !ts.Before(dayStart) {
			return curve[len(curve)-1] - curve[i]
		}
	}
	return 0
}
