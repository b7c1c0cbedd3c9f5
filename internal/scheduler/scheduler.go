package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/coinsentry/coinsentry/internal/backoff"
	"github.com/coinsentry/coinsentry/internal/clock"
	"github.com/coinsentry/coinsentry/internal/collector"
	"github.com/coinsentry/coinsentry/internal/market"
)

// Collector abstracts the collection runner so tests can script outcomes.
type Collector interface {
	Run(ctx context.Context, req collector.Request) collector.Outcome
}

// Assignment binds one asset to its tier and provider, from config.
type Assignment struct {
	Asset    market.AssetID
	Tier     market.Tier
	Provider string
}

// Config carries the scheduler's tunables.
type Config struct {
	TierIntervals    map[market.Tier]time.Duration
	DisableThreshold int           // consecutive failures before DISABLED
	AutoHeal         time.Duration // 0 disables auto-heal
	MaxConcurrent    int64
	Quantum          time.Duration // scheduling granularity
	Bootstrap        time.Duration // first-run fetch lookback
}

// DefaultConfig returns the standard scheduler tuning.
func DefaultConfig() Config {
	return Config{
		TierIntervals: map[market.Tier]time.Duration{
			market.TierHighFrequency: 900 * time.Second,
			market.TierHourly:        time.Hour,
			market.TierDaily:         24 * time.Hour,
		},
		DisableThreshold: 10,
		AutoHeal:         time.Hour,
		MaxConcurrent:    8,
		Quantum:          time.Second,
		Bootstrap:        90 * 24 * time.Hour,
	}
}

type taskOutcome struct {
	key string
	out collector.Outcome
}

// Scheduler drives collection tasks at tier cadence. The task table has a
// single writer (the loop goroutine); Snapshot hands copies to readers.
type Scheduler struct {
	cfg    Config
	runner Collector
	clk    clock.Clock
	store  StateStore
	policy *backoff.Policy
	logger zerolog.Logger

	mu       sync.RWMutex
	tasks    map[string]*Task
	order    []string // deterministic iteration order
	metrics  PersistedMetrics
	running  bool
	outcomes chan taskOutcome
	sem      *semaphore.Weighted
	wg       sync.WaitGroup

	stop   context.CancelFunc
	doneCh chan struct{}
}

func taskKey(asset market.AssetID, tier market.Tier) string {
	return string(asset) + "|" + string(tier)
}

// New builds a scheduler for the configured assignments and restores any
// persisted state. Exactly one task exists per (asset, tier).
func New(cfg Config, assignments []Assignment, runner Collector, clk clock.Clock, store StateStore, policy *backoff.Policy) (*Scheduler, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.Quantum <= 0 {
		cfg.Quantum = time.Second
	}
	if cfg.DisableThreshold <= 0 {
		cfg.DisableThreshold = 10
	}

	s := &Scheduler{
		cfg:      cfg,
		runner:   runner,
		clk:      clk,
		store:    store,
		policy:   policy,
		logger:   log.With().Str("component", "scheduler").Logger(),
		tasks:    make(map[string]*Task),
		outcomes: make(chan taskOutcome, cfg.MaxConcurrent*2),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
	}

	now := clk.Now()
	for _, a := range assignments {
		if !a.Tier.Valid() {
			return nil, backoff.Errorf(backoff.KindConfig, "asset %s has unknown tier %q", a.Asset, a.Tier)
		}
		if _, ok := cfg.TierIntervals[a.Tier]; !ok {
			return nil, backoff.Errorf(backoff.KindConfig, "no interval configured for tier %s", a.Tier)
		}
		key := taskKey(a.Asset, a.Tier)
		if _, dup := s.tasks[key]; dup {
			return nil, backoff.Errorf(backoff.KindConfig, "duplicate assignment for %s/%s", a.Asset, a.Tier)
		}
		s.tasks[key] = &Task{
			Asset:      a.Asset,
			Tier:       a.Tier,
			Provider:   a.Provider,
			State:      StateIdle,
			NextFireAt: now, // first run fires within one quantum
		}
		s.order = append(s.order, key)
	}
	sort.Strings(s.order)

	if err := s.restore(now); err != nil {
		return nil, err
	}
	return s, nil
}

// restore merges persisted state into the configured task table. Persisted
// tasks with no matching assignment are dropped; tasks persisted RUNNING are
// demoted to IDLE and fire immediately.
func (s *Scheduler) restore(now time.Time) error {
	state, ok, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("failed to restore scheduler state: %w", err)
	}
	if !ok {
		return nil
	}

	s.metrics = state.Metrics
	for _, pt := range state.Tasks {
		t, ok := s.tasks[taskKey(pt.Asset, pt.Tier)]
		if !ok {
			s.logger.Warn().
				Str("asset", string(pt.Asset)).
				Str("tier", string(pt.Tier)).
				Msg("Dropping persisted task with no matching assignment")
			continue
		}
		if pt.LastSuccessAt > 0 {
			t.LastSuccessAt = time.UnixMilli(pt.LastSuccessAt).UTC()
		}
		if pt.NextFireAt > 0 {
			t.NextFireAt = time.UnixMilli(pt.NextFireAt).UTC()
		}
		if t.NextFireAt.Before(now) {
			t.NextFireAt = now
		}
		t.ConsecutiveFailures = pt.ConsecutiveFailures
		t.Successes = pt.Successes
		t.Failures = pt.Failures
		t.State = pt.State
		if t.State == StateRunning || t.State == "" {
			t.State = StateIdle
			t.NextFireAt = now
		}
	}

	s.logger.Info().
		Int("tasks", len(state.Tasks)).
		Msg("Restored scheduler state")
	return nil
}

// Name implements the supervised-component contract.
func (s *Scheduler) Name() string { return "scheduler" }

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("scheduler already started")
	}
	s.running = true
	s.stop = cancel
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.doneCh)
		s.loop(loopCtx)
	}()
	return nil
}

// Stop cancels the loop and waits for in-flight workers up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.stop
	done := s.doneCh
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler drain exceeded deadline: %w", ctx.Err())
	}
}

// Healthy reports overall task health: unhealthy when every task is disabled.
func (s *Scheduler) Healthy(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.tasks) == 0 {
		return nil
	}
	disabled := 0
	for _, t := range s.tasks {
		if t.State == StateDisabled {
			disabled++
		}
	}
	if disabled == len(s.tasks) {
		return fmt.Errorf("all %d collection tasks disabled", disabled)
	}
	return nil
}

// loop is the single writer of the task table.
func (s *Scheduler) loop(ctx context.Context) {
	s.logger.Info().
		Int("tasks", len(s.order)).
		Int64("max_concurrent", s.cfg.MaxConcurrent).
		Msg("Scheduler loop started")

	for {
		now := s.clk.Now()
		s.healDisabled(now)
		s.dispatchDue(ctx, now)

		wait := s.nextWake(now)
		select {
		case <-ctx.Done():
			s.drain()
			s.persist()
			s.logger.Info().Msg("Scheduler loop stopped")
			return
		case to := <-s.outcomes:
			s.apply(to)
			s.persist()
		case <-s.clk.After(wait):
		}
	}
}

// drain collects outcomes from workers canceled during shutdown so their
// results are recorded rather than lost. The outcomes channel is never
// closed: Start must be able to reuse it after a supervisor restart.
func (s *Scheduler) drain() {
	idle := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(idle)
	}()
	for {
		select {
		case to := <-s.outcomes:
			s.apply(to)
		case <-idle:
			// Workers are done; flush whatever they already buffered.
			for {
				select {
				case to := <-s.outcomes:
					s.apply(to)
				default:
					return
				}
			}
		}
	}
}

// dispatchDue fires every due task, in deterministic order, bounded by the
// concurrency cap.
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) {
	due := s.dueTasks(now)
	for _, t := range due {
		if !s.sem.TryAcquire(1) {
			return // cap reached; remaining tasks stay due
		}

		s.mu.Lock()
		t.State = StateRunning
		s.rollMetricsDay(now)
		s.metrics.APICallsToday++
		s.mu.Unlock()
		s.persist()

		req := collector.Request{
			Asset:         t.Asset,
			Tier:          t.Tier,
			Provider:      t.Provider,
			TierInterval:  s.cfg.TierIntervals[t.Tier],
			LastSuccessAt: t.LastSuccessAt,
			Bootstrap:     s.cfg.Bootstrap,
		}
		key := taskKey(t.Asset, t.Tier)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			out := s.runner.Run(ctx, req)
			s.outcomes <- taskOutcome{key: key, out: out}
		}()
	}
}

// dueTasks returns fireable tasks ordered by nextFireAt, then tier priority,
// then asset, so dispatch order is deterministic.
func (s *Scheduler) dueTasks(now time.Time) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Task
	for _, key := range s.order {
		t := s.tasks[key]
		if (t.State == StateIdle || t.State == StateCooling) && !t.NextFireAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return taskLess(due[i], due[j]) })
	return due
}

// healDisabled returns auto-healed tasks to IDLE.
func (s *Scheduler) healDisabled(now time.Time) {
	if s.cfg.AutoHeal <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.order {
		t := s.tasks[key]
		if t.State == StateDisabled && !t.NextFireAt.After(now) {
			t.State = StateIdle
			t.ConsecutiveFailures = 0
			t.NextFireAt = now
			s.logger.Info().
				Str("asset", string(t.Asset)).
				Msg("Auto-healed disabled task")
		}
	}
}

// nextWake computes how long the loop may sleep before something is due.
func (s *Scheduler) nextWake(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wait := s.cfg.Quantum
	for _, key := range s.order {
		t := s.tasks[key]
		if t.State == StateRunning {
			continue
		}
		if d := t.NextFireAt.Sub(now); d > 0 && d < wait {
			wait = d
		} else if d <= 0 {
			// Something is already due (blocked on the cap); poll at quantum.
			return s.cfg.Quantum
		}
	}
	return wait
}

// apply folds one outcome into task state. Outcomes are applied in completion
// order but lastSuccessAt never moves backwards.
func (s *Scheduler) apply(to taskOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[to.key]
	if !ok {
		return
	}
	now := s.clk.Now()
	out := to.out
	t.recordHealth(out.Success, out.Elapsed, out.ErrKind, now)

	switch {
	case out.Success:
		t.Successes++
		t.ConsecutiveFailures = 0
		if out.StartedAt.After(t.LastSuccessAt) {
			t.LastSuccessAt = out.StartedAt
		}
		t.NextFireAt = t.LastSuccessAt.Add(s.cfg.TierIntervals[t.Tier])
		if t.NextFireAt.Before(t.LastSuccessAt) {
			t.NextFireAt = t.LastSuccessAt
		}
		t.State = StateIdle
		s.logger.Debug().
			Str("asset", string(t.Asset)).
			Int("bars", out.Count).
			Time("next_fire", t.NextFireAt).
			Msg("Collection outcome applied")

	case out.Canceled():
		// Shutdown or deadline cancellation: recorded, not punished.
		t.NextFireAt = now.Add(s.cfg.Quantum)
		t.State = StateIdle
		s.logger.Debug().
			Str("asset", string(t.Asset)).
			Msg("Collection canceled, rescheduled")

	default:
		t.Failures++
		t.ConsecutiveFailures++
		if t.ConsecutiveFailures >= s.cfg.DisableThreshold {
			t.State = StateDisabled
			t.NextFireAt = now.Add(s.cfg.AutoHeal)
			s.logger.Error().
				Str("asset", string(t.Asset)).
				Int("consecutive_failures", t.ConsecutiveFailures).
				Msg("Task disabled after repeated failures")
		} else {
			delay := s.policy.Delay(t.ConsecutiveFailures - 1)
			if out.HintedDelay > 0 {
				delay = out.HintedDelay
			}
			t.State = StateCooling
			t.NextFireAt = now.Add(delay)
			s.logger.Warn().
				Str("asset", string(t.Asset)).
				Str("kind", string(out.ErrKind)).
				Int("consecutive_failures", t.ConsecutiveFailures).
				Dur("cooling", delay).
				Msg("Collection failed, cooling")
		}
	}
}

// persist writes the current state through the store.
func (s *Scheduler) persist() {
	s.mu.RLock()
	state := PersistedState{
		Tasks:   make([]PersistedTask, 0, len(s.order)),
		Metrics: s.metrics,
	}
	for _, key := range s.order {
		t := s.tasks[key]
		pt := PersistedTask{
			Asset:               t.Asset,
			Tier:                t.Tier,
			NextFireAt:          t.NextFireAt.UnixMilli(),
			ConsecutiveFailures: t.ConsecutiveFailures,
			Successes:           t.Successes,
			Failures:            t.Failures,
			State:               t.State,
		}
		if !t.LastSuccessAt.IsZero() {
			pt.LastSuccessAt = t.LastSuccessAt.UnixMilli()
		}
		state.Tasks = append(state.Tasks, pt)
	}
	s.mu.RUnlock()

	if err := s.store.Save(state); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist scheduler state")
	}
}

// rollMetricsDay resets the daily API-call counter when the UTC date changes.
// Caller holds the lock.
func (s *Scheduler) rollMetricsDay(now time.Time) {
	today := now.UTC().Format("2006-01-02")
	if s.metrics.LastResetDate != today {
		s.metrics.LastResetDate = today
		s.metrics.APICallsToday = 0
	}
}

// Snapshot returns a copy of every task's state and health.
func (s *Scheduler) Snapshot() []TaskView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]TaskView, 0, len(s.order))
	for _, key := range s.order {
		views = append(views, s.tasks[key].view())
	}
	return views
}

// Enable is the operator action returning a DISABLED task to IDLE.
func (s *Scheduler) Enable(asset market.AssetID, tier market.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskKey(asset, tier)]
	if !ok {
		return fmt.Errorf("no task for %s/%s", asset, tier)
	}
	if t.State != StateDisabled {
		return fmt.Errorf("task %s/%s is %s, not DISABLED", asset, tier, t.State)
	}
	t.State = StateIdle
	t.ConsecutiveFailures = 0
	t.NextFireAt = s.clk.Now()
	s.logger.Info().
		Str("asset", string(asset)).
		Msg("Task re-enabled by operator")
	return nil
}

// Metrics returns the persisted rollup counters.
func (s *Scheduler) Metrics() PersistedMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// TaskStates returns the task count per lifecycle state, for the metrics
// updater.
func (s *Scheduler) TaskStates() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int, 4)
	for _, key := range s.order {
		counts[string(s.tasks[key].State)]++
	}
	return counts
}

// APICallsToday returns the provider call count since the last UTC midnight.
func (s *Scheduler) APICallsToday() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.metrics.APICallsToday)
}
