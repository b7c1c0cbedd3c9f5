package market

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PgxPool is the subset of pgxpool.Pool the repository uses; narrowed so
// tests can substitute a mock pool.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PostgresRepository stores bars and macro series in postgres (a TimescaleDB
// hypertable in production). Upserts rely on ON CONFLICT so concurrent
// writers are safe and re-upserting is a no-op.
type PostgresRepository struct {
	pool PgxPool
}

// NewPostgresRepository creates a repository over a pgx pool.
func NewPostgresRepository(pool PgxPool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// NewPostgresRepositoryWithPool is a convenience for *pgxpool.Pool callers.
func NewPostgresRepositoryWithPool(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const upsertBarSQL = `
	INSERT INTO ohlcv_bars (asset_id, ts_ms, open, high, low, close, volume)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (asset_id, ts_ms)
	DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume
`

// UpsertBars writes bars one statement at a time inside the caller's context.
func (r *PostgresRepository) UpsertBars(ctx context.Context, bars []Bar) (int, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("no database pool available")
	}

	count := 0
	for _, b := range bars {
		_, err := r.pool.Exec(ctx, upsertBarSQL,
			string(b.Asset), b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			return count, fmt.Errorf("failed to upsert bar %s@%d: %w", b.Asset, b.Timestamp, err)
		}
		count++
	}

	log.Debug().
		Int("count", count).
		Msg("Upserted bars")
	return count, nil
}

// LatestTimestamp returns the newest stored bar timestamp for an asset.
func (r *PostgresRepository) LatestTimestamp(ctx context.Context, asset AssetID) (int64, bool, error) {
	if r.pool == nil {
		return 0, false, fmt.Errorf("no database pool available")
	}

	query := `
		SELECT ts_ms
		FROM ohlcv_bars
		WHERE asset_id = $1
		ORDER BY ts_ms DESC
		LIMIT 1
	`

	var ts int64
	err := r.pool.QueryRow(ctx, query, string(asset)).Scan(&ts)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to query latest timestamp: %w", err)
	}
	return ts, true, nil
}

// GetSnapshot loads ordered bars per asset plus all macro series in the
// window and freezes them into a Snapshot.
func (r *PostgresRepository) GetSnapshot(ctx context.Context, assets []AssetID, window Window) (*Snapshot, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("no database pool available")
	}

	barQuery := `
		SELECT ts_ms, open, high, low, close, volume
		FROM ohlcv_bars
		WHERE asset_id = $1
			AND ts_ms >= $2
			AND ts_ms < $3
		ORDER BY ts_ms ASC
	`

	bars := make(map[AssetID][]Bar, len(assets))
	for _, asset := range assets {
		rows, err := r.pool.Query(ctx, barQuery,
			string(asset), window.From.UnixMilli(), window.To.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("failed to query bars for %s: %w", asset, err)
		}

		var bs []Bar
		for rows.Next() {
			b := Bar{Asset: asset}
			if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan bar row: %w", err)
			}
			bs = append(bs, b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating bar rows: %w", err)
		}
		bars[asset] = bs
	}

	macroQuery := `
		SELECT indicator_id, obs_date, value, interpolated
		FROM macro_points
		WHERE obs_date >= $1 AND obs_date < $2
		ORDER BY indicator_id, obs_date ASC
	`

	macro := make(map[string][]MacroPoint)
	rows, err := r.pool.Query(ctx, macroQuery, window.From, window.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query macro points: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p MacroPoint
		if err := rows.Scan(&p.Indicator, &p.Date, &p.Value, &p.Interpolated); err != nil {
			return nil, fmt.Errorf("failed to scan macro row: %w", err)
		}
		macro[p.Indicator] = append(macro[p.Indicator], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating macro rows: %w", err)
	}

	return NewSnapshot(window.To, bars, macro), nil
}

const upsertMacroSQL = `
	INSERT INTO macro_points (indicator_id, obs_date, value, interpolated)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (indicator_id, obs_date)
	DO UPDATE SET value = EXCLUDED.value, interpolated = EXCLUDED.interpolated
`

// UpsertMacro writes macro points, idempotent on (indicator, date).
func (r *PostgresRepository) UpsertMacro(ctx context.Context, points []MacroPoint) (int, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("no database pool available")
	}

	count := 0
	for _, p := range points {
		_, err := r.pool.Exec(ctx, upsertMacroSQL, p.Indicator, p.Date, p.Value, p.Interpolated)
		if err != nil {
			return count, fmt.Errorf("failed to upsert macro %s: %w", p.Indicator, err)
		}
		count++
	}
	return count, nil
}

// GetMacro returns the stored series for one indicator within the window.
func (r *PostgresRepository) GetMacro(ctx context.Context, indicator string, window Window) ([]MacroPoint, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("no database pool available")
	}

	query := `
		SELECT indicator_id, obs_date, value, interpolated
		FROM macro_points
		WHERE indicator_id = $1 AND obs_date >= $2 AND obs_date < $3
		ORDER BY obs_date ASC
	`

	rows, err := r.pool.Query(ctx, query, indicator, window.From, window.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query macro series: %w", err)
	}
	defer rows.Close()

	var pts []MacroPoint
	for rows.Next() {
		var p MacroPoint
		if err := rows.Scan(&p.Indicator, &p.Date, &p.Value, &p.Interpolated); err != nil {
			return nil, fmt.Errorf("failed to scan macro row: %w", err)
		}
		pts = append(pts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating macro rows: %w", err)
	}
	return pts, nil
}
