package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/coinsentry/coinsentry/internal/market"
)

// Entry is one enabled strategy plus its aggregation weight.
type Entry struct {
	Strategy Strategy
	Weight   float64
}

// HarnessConfig carries the harness tunables.
type HarnessConfig struct {
	MaxConcurrent int64         // strategy pool size
	Deadline      time.Duration // per-strategy execution budget
}

// DefaultHarnessConfig returns the standard harness tuning.
func DefaultHarnessConfig() HarnessConfig {
	return HarnessConfig{MaxConcurrent: 4, Deadline: 5 * time.Second}
}

// Result is the combined output of one harness pass over a snapshot.
type Result struct {
	Signals    []market.Signal
	Volatility []market.VolatilityEvent
	Failed     map[string]error // strategy name -> why its output was dropped
}

// Harness runs strategies independently and concurrently over a shared
// immutable snapshot. One strategy's failure, panic or deadline overrun drops
// only that strategy's output.
type Harness struct {
	entries []Entry
	cfg     HarnessConfig
	sem     *semaphore.Weighted
	logger  zerolog.Logger
}

// NewHarness wires a harness over the enabled strategies.
func NewHarness(entries []Entry, cfg HarnessConfig) *Harness {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 5 * time.Second
	}
	return &Harness{
		entries: entries,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:  log.With().Str("component", "harness").Logger(),
	}
}

type strategyOutput struct {
	signals []market.Signal
	events  []market.VolatilityEvent
	err     error
}

// Run executes every strategy against snap and merges the surviving outputs.
// Signals are returned in deterministic (asset, strategy) order.
func (h *Harness) Run(ctx context.Context, snap *market.Snapshot) Result {
	res := Result{Failed: make(map[string]error)}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, e := range h.entries {
		if err := h.sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			res.Failed[e.Strategy.Name()] = err
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			defer h.sem.Release(1)

			out := h.execute(ctx, e.Strategy, snap)
			mu.Lock()
			defer mu.Unlock()
			if out.err != nil {
				res.Failed[e.Strategy.Name()] = out.err
				h.logger.Warn().
					Err(out.err).
					Str("strategy", e.Strategy.Name()).
					Msg("Strategy failed, output dropped")
				return
			}
			for _, sig := range out.signals {
				sig.ID = uuid.New().String()
				sig.Confidence = clamp01(sig.Confidence * e.Weight)
				res.Signals = append(res.Signals, sig)
			}
			res.Volatility = append(res.Volatility, out.events...)
		}(e)
	}
	wg.Wait()

	sort.Slice(res.Signals, func(i, j int) bool {
		a, b := res.Signals[i], res.Signals[j]
		if a.Asset != b.Asset {
			return a.Asset < b.Asset
		}
		return a.Strategy < b.Strategy
	})
	sort.Slice(res.Volatility, func(i, j int) bool {
		return res.Volatility[i].Asset < res.Volatility[j].Asset
	})

	h.logger.Debug().
		Int("strategies", len(h.entries)).
		Int("signals", len(res.Signals)).
		Int("volatility_events", len(res.Volatility)).
		Int("failed", len(res.Failed)).
		Msg("Harness pass complete")
	return res
}

// execute runs one strategy under its deadline, converting panics into
// errors.
func (h *Harness) execute(ctx context.Context, s Strategy, snap *market.Snapshot) strategyOutput {
	runCtx, cancel := context.WithTimeout(ctx, h.cfg.Deadline)
	defer cancel()

	done := make(chan strategyOutput, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- strategyOutput{err: fmt.Errorf("strategy panicked: %v", r)}
			}
		}()

		analysis, err := s.Analyze(snap)
		if err != nil {
			done <- strategyOutput{err: fmt.Errorf("analyze: %w", err)}
			return
		}
		signals, err := s.GenerateSignals(analysis)
		if err != nil {
			done <- strategyOutput{err: fmt.Errorf("generate signals: %w", err)}
			return
		}

		out := strategyOutput{signals: signals}
		if reporter, ok := s.(VolatilityReporter); ok {
			out.events = reporter.VolatilityEvents(analysis)
		}
		done <- out
	}()

	select {
	case out := <-done:
		return out
	case <-runCtx.Done():
		return strategyOutput{err: fmt.Errorf("strategy exceeded %s budget: %w", h.cfg.Deadline, runCtx.Err())}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
