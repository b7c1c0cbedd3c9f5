package market

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsOrdered(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(migrations), 2)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "market data", migrations[0].Description)
	assert.Contains(t, migrations[0].SQL, "ohlcv_bars")
	assert.Equal(t, 2, migrations[1].Version)
	assert.Contains(t, migrations[1].SQL, "portfolio_snapshots")
}

func TestMigrateAppliesPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_version").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(1))

	// Version 1 is already applied; only version 2 runs.
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS portfolio_snapshots").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO schema_version").
		WithArgs(2, "portfolio").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	m := NewMigrator(mock)
	require.NoError(t, m.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateUpToDate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_version").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(99))

	m := NewMigrator(mock)
	require.NoError(t, m.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
