package collector

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/coinsentry/coinsentry/internal/backoff"
	"github.com/coinsentry/coinsentry/internal/clock"
	"github.com/coinsentry/coinsentry/internal/market"
	"github.com/coinsentry/coinsentry/internal/metrics"
	"github.com/coinsentry/coinsentry/internal/ratelimit"
)

// Circuit breaker thresholds for market-data providers.
const (
	providerMinRequests  = 5
	providerFailureRatio = 0.6
	providerOpenTimeout  = 30 * time.Second
	providerHalfOpenReqs = 2
)

// Request describes one unit of collection work handed to the runner.
type Request struct {
	Asset         market.AssetID
	Tier          market.Tier
	Provider      string
	TierInterval  time.Duration
	LastSuccessAt time.Time // zero on first run
	Bootstrap     time.Duration
}

// Runner executes collection requests: rate-gate admission, breaker-wrapped
// fetch, validation, idempotent persistence. It holds no per-task state; the
// scheduler owns that.
type Runner struct {
	source  market.DataSource
	repo    market.Repository
	gates   *ratelimit.Registry
	policy  *backoff.Policy
	clk     clock.Clock
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewRunner wires a runner over its capabilities.
func NewRunner(source market.DataSource, repo market.Repository, gates *ratelimit.Registry, policy *backoff.Policy, clk clock.Clock) *Runner {
	r := &Runner{
		source: source,
		repo:   repo,
		gates:  gates,
		policy: policy,
		clk:    clk,
		logger: log.With().Str("component", "collector").Logger(),
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "market-data-source",
		MaxRequests: providerHalfOpenReqs,
		Timeout:     providerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= providerMinRequests && ratio >= providerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})
	return r
}

// Run performs one collection attempt cycle for req. The whole run is bounded
// by tierInterval/2; overrun is recorded as a timeout outcome, never silent.
// Retries happen inside the run for retryable kinds, up to the policy's
// MaxAttempts.
func (r *Runner) Run(ctx context.Context, req Request) Outcome {
	started := r.clk.Now()
	out := Outcome{Asset: req.Asset, StartedAt: started}

	runCtx, cancel := context.WithTimeout(ctx, req.TierInterval/2)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.policy.Delay(attempt - 1)
			if hint, ok := backoff.RetryAfter(lastErr); ok {
				delay = hint
			}
			if err := r.clk.Sleep(runCtx, delay); err != nil {
				lastErr = backoff.NewError(r.cancelKind(ctx), err)
				break
			}
		}

		outcome, err := r.attempt(runCtx, req)
		if err == nil {
			outcome.StartedAt = started
			outcome.Elapsed = r.clk.Now().Sub(started)
			metrics.CollectionRuns.WithLabelValues("success").Inc()
			metrics.CollectionDuration.Observe(outcome.Elapsed.Seconds())
			metrics.BarsPersisted.Add(float64(outcome.Count))
			if attempt > 0 {
				r.logger.Info().
					Str("asset", string(req.Asset)).
					Int("attempt", attempt+1).
					Msg("Collection succeeded after retry")
			}
			return outcome
		}

		lastErr = err
		kind := backoff.Classify(err)
		if !backoff.Retryable(kind) {
			break
		}
		r.logger.Warn().
			Err(err).
			Str("asset", string(req.Asset)).
			Int("attempt", attempt+1).
			Int("max_attempts", r.policy.MaxAttempts).
			Msg("Collection attempt failed, retrying")
	}

	out.Success = false
	out.Err = lastErr
	out.ErrKind = backoff.Classify(lastErr)
	out.Elapsed = r.clk.Now().Sub(started)
	if out.ErrKind == backoff.KindTransient && errors.Is(lastErr, context.DeadlineExceeded) && runCtx.Err() != nil && ctx.Err() == nil {
		out.TimedOut = true
	}
	if hint, ok := backoff.RetryAfter(lastErr); ok {
		out.HintedDelay = hint
	}
	metrics.CollectionRuns.WithLabelValues(metrics.NormalizeErrKind(out.ErrKind)).Inc()
	metrics.CollectionDuration.Observe(out.Elapsed.Seconds())

	r.logger.Error().
		Err(lastErr).
		Str("asset", string(req.Asset)).
		Str("kind", string(out.ErrKind)).
		Dur("elapsed", out.Elapsed).
		Msg("Collection failed")
	return out
}

// attempt is one fetch→validate→persist pass.
func (r *Runner) attempt(ctx context.Context, req Request) (Outcome, error) {
	gate, err := r.gates.Get(req.Provider)
	if err != nil {
		return Outcome{}, err
	}

	// Token acquisition gets a quarter of the tier interval; holding the
	// worker longer than that starves other tasks on the same provider.
	gateCtx, cancel := context.WithTimeout(ctx, req.TierInterval/4)
	err = gate.Acquire(gateCtx)
	cancel()
	if err != nil {
		return Outcome{}, err
	}

	window := r.window(req)
	raw, err := r.breaker.Execute(func() (interface{}, error) {
		return r.source.Fetch(ctx, req.Asset, window)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Outcome{}, backoff.Errorf(backoff.KindTransient,
				"provider %s circuit open: %v", req.Provider, err)
		}
		if ctx.Err() != nil {
			return Outcome{}, backoff.NewError(r.cancelKind(ctx), err)
		}
		return Outcome{}, err
	}
	bars := raw.([]market.Bar)

	lastStored := int64(-1)
	if ts, ok, err := r.repo.LatestTimestamp(ctx, req.Asset); err == nil && ok {
		lastStored = ts
	} else if err != nil {
		return Outcome{}, backoff.NewError(backoff.KindTransient, err)
	}

	res, err := market.ValidateBars(bars, lastStored, req.TierInterval.Milliseconds())
	if err != nil {
		return Outcome{}, err
	}

	count := 0
	if len(res.Bars) > 0 {
		count, err = r.repo.UpsertBars(ctx, res.Bars)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, backoff.NewError(r.cancelKind(ctx), err)
			}
			return Outcome{}, backoff.NewError(backoff.KindTransient, err)
		}
	}

	r.logger.Debug().
		Str("asset", string(req.Asset)).
		Int("fetched", len(bars)).
		Int("persisted", count).
		Int("duplicates", res.Duplicates).
		Int("gaps", res.Gaps).
		Msg("Collection attempt complete")

	return Outcome{
		Asset:      req.Asset,
		Success:    true,
		Count:      count,
		Duplicates: res.Duplicates,
		Gaps:       res.Gaps,
	}, nil
}

// window derives the fetch range: incremental from the last success, or a
// bootstrap lookback on first run.
func (r *Runner) window(req Request) market.Window {
	now := r.clk.Now()
	if req.LastSuccessAt.IsZero() {
		lookback := req.Bootstrap
		if lookback <= 0 {
			lookback = 90 * 24 * time.Hour
		}
		return market.Window{From: now.Add(-lookback), To: now}
	}
	return market.Window{From: req.LastSuccessAt, To: now}
}

// cancelKind separates caller cancellation from deadline-driven timeout.
func (r *Runner) cancelKind(ctx context.Context) backoff.Kind {
	if errors.Is(ctx.Err(), context.Canceled) {
		return backoff.KindCanceled
	}
	return backoff.KindTransient
}
