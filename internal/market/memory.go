package market

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository is a thread-safe in-memory Repository and MacroRepository.
// It backs tests and small deployments that do not need postgres.
type MemoryRepository struct {
	mu    sync.RWMutex
	bars  map[AssetID]map[int64]Bar
	macro map[string]map[int64]MacroPoint // keyed by date unix
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		bars:  make(map[AssetID]map[int64]Bar),
		macro: make(map[string]map[int64]MacroPoint),
	}
}

// UpsertBars stores bars keyed by (asset, timestamp). Idempotent: re-writing
// an existing key overwrites with identical content and still counts it.
func (r *MemoryRepository) UpsertBars(ctx context.Context, bars []Bar) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range bars {
		byTS, ok := r.bars[b.Asset]
		if !ok {
			byTS = make(map[int64]Bar)
			r.bars[b.Asset] = byTS
		}
		byTS[b.Timestamp] = b
	}
	return len(bars), nil
}

// LatestTimestamp returns the newest stored timestamp for an asset.
func (r *MemoryRepository) LatestTimestamp(ctx context.Context, asset AssetID) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	byTS, ok := r.bars[asset]
	if !ok || len(byTS) == 0 {
		return 0, false, nil
	}
	var latest int64
	first := true
	for ts := range byTS {
		if first || ts > latest {
			latest = ts
			first = false
		}
	}
	return latest, true, nil
}

// GetSnapshot assembles an ordered snapshot of [window.From, window.To) for
// the given assets plus all stored macro series in the same window.
func (r *MemoryRepository) GetSnapshot(ctx context.Context, assets []AssetID, window Window) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	fromMs := window.From.UnixMilli()
	toMs := window.To.UnixMilli()

	bars := make(map[AssetID][]Bar, len(assets))
	for _, asset := range assets {
		byTS := r.bars[asset]
		var bs []Bar
		for ts, b := range byTS {
			if ts >= fromMs && ts < toMs {
				bs = append(bs, b)
			}
		}
		sort.Slice(bs, func(i, j int) bool { return bs[i].Timestamp < bs[j].Timestamp })
		bars[asset] = bs
	}

	macro := make(map[string][]MacroPoint, len(r.macro))
	for ind, byDate := range r.macro {
		var pts []MacroPoint
		for _, p := range byDate {
			if !p.Date.Before(window.From) && p.Date.Before(window.To) {
				pts = append(pts, p)
			}
		}
		sort.Slice(pts, func(i, j int) bool { return pts[i].Date.Before(pts[j].Date) })
		if len(pts) > 0 {
			macro[ind] = pts
		}
	}

	return NewSnapshot(window.To, bars, macro), nil
}

// UpsertMacro stores macro points keyed by (indicator, date).
func (r *MemoryRepository) UpsertMacro(ctx context.Context, points []MacroPoint) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range points {
		byDate, ok := r.macro[p.Indicator]
		if !ok {
			byDate = make(map[int64]MacroPoint)
			r.macro[p.Indicator] = byDate
		}
		byDate[p.Date.Unix()] = p
	}
	return len(points), nil
}

// GetMacro returns the stored series for an indicator within the window.
func (r *MemoryRepository) GetMacro(ctx context.Context, indicator string, window Window) ([]MacroPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var pts []MacroPoint
	for _, p := range r.macro[indicator] {
		if !p.Date.Before(window.From) && p.Date.Before(window.To) {
			pts = append(pts, p)
		}
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].Date.Before(pts[j].Date) })
	return pts, nil
}

// BarCount reports how many bars are stored for an asset.
func (r *MemoryRepository) BarCount(asset AssetID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bars[asset])
}
