package market

import (
	"context"
)

// DataSource is the capability the collection leg consumes to pull bars from
// an external provider. Implementations live outside the core; they are
// expected to honor the context deadline and to classify failures via
// backoff.Error kinds.
type DataSource interface {
	// Fetch returns the bars for asset within the window, oldest first.
	Fetch(ctx context.Context, asset AssetID, window Window) ([]Bar, error)
}

// Repository is the capability for durable bar storage. Upserts must be
// idempotent on (asset, timestamp) and safe for concurrent writers.
type Repository interface {
	// UpsertBars stores bars, returning the number written. Re-upserting
	// the same bars leaves the repository unchanged.
	UpsertBars(ctx context.Context, bars []Bar) (int, error)

	// LatestTimestamp returns the newest stored bar timestamp (epoch ms)
	// for an asset, or ok=false when the asset has no bars yet.
	LatestTimestamp(ctx context.Context, asset AssetID) (int64, bool, error)

	// GetSnapshot assembles an immutable snapshot of the window for the
	// given assets.
	GetSnapshot(ctx context.Context, assets []AssetID, window Window) (*Snapshot, error)
}

// MacroRepository stores macro-indicator series alongside the bar store.
type MacroRepository interface {
	UpsertMacro(ctx context.Context, points []MacroPoint) (int, error)
	GetMacro(ctx context.Context, indicator string, window Window) ([]MacroPoint, error)
}
