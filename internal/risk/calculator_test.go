package risk

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinsentry/coinsentry/internal/market"
)

func TestLoadPortfolioState(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2023, 11, 14, 18, 0, 0, 0, time.UTC)
	dayStart := time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT equity, taken_at").
		WithArgs(now.Add(-30 * 24 * time.Hour)).
		WillReturnRows(pgxmock.NewRows([]string{"equity", "taken_at"}).
			AddRow(120_000.0, now.Add(-72*time.Hour)).
			AddRow(110_000.0, now.Add(-48*time.Hour)).
			AddRow(104_000.0, dayStart.Add(time.Hour)).
			AddRow(102_000.0, now))

	mock.ExpectQuery("SELECT asset_id, quantity").
		WillReturnRows(pgxmock.NewRows([]string{"asset_id", "exposure"}).
			AddRow("bitcoin", 25_000.0))

	calc := NewCalculator(mock)
	state, err := calc.LoadPortfolioState(context.Background(), now, 30*24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 102_000.0, state.Equity)
	assert.InDelta(t, (120_000.0-102_000.0)/120_000.0, state.CurrentDrawdown, 1e-9)
	assert.InDelta(t, -2_000.0, state.DailyPnL, 1e-9, "equity change since the first snapshot today")
	assert.Equal(t, map[market.AssetID]float64{"bitcoin": 25_000.0}, state.Positions)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadPortfolioStateEmptyHistory(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT equity, taken_at").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"equity", "taken_at"}))

	calc := NewCalculator(mock)
	_, err = calc.LoadPortfolioState(context.Background(), now, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no equity snapshots")
}

func TestLoadPortfolioStateNoPool(t *testing.T) {
	calc := NewCalculator(nil)
	_, err := calc.LoadPortfolioState(context.Background(), time.Now(), time.Hour)
	require.Error(t, err)
}
