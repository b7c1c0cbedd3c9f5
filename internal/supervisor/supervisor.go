package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coinsentry/coinsentry/internal/backoff"
	"github.com/coinsentry/coinsentry/internal/clock"
	"github.com/coinsentry/coinsentry/internal/metrics"
)

// Component is a supervised lifecycle unit. Start must return promptly,
// leaving long-running work on background goroutines; Stop must respect the
// drain deadline on its context.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Healthy(ctx context.Context) error
}

// Config carries the supervisor tunables.
type Config struct {
	DrainDeadline   time.Duration // per-component stop budget
	HealthPoll      time.Duration
	UnhealthyStreak int // failed polls before a restart
	MaxRestarts     int // per component, before giving up
}

// DefaultConfig returns the standard supervision tuning.
func DefaultConfig() Config {
	return Config{
		DrainDeadline:   10 * time.Second,
		HealthPoll:      60 * time.Second,
		UnhealthyStreak: 3,
		MaxRestarts:     5,
	}
}

type supervised struct {
	component Component
	streak    int
	restarts  int
}

// Supervisor starts components in dependency order, polls their health,
// restarts the persistently unhealthy ones with backoff, and drains
// everything in reverse order on shutdown.
type Supervisor struct {
	cfg        Config
	components []*supervised
	clk        clock.Clock
	policy     *backoff.Policy
	logger     zerolog.Logger
}

// New builds a supervisor over components listed in dependency order.
func New(cfg Config, clk clock.Clock, policy *backoff.Policy, components ...Component) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		clk:    clk,
		policy: policy,
		logger: log.With().Str("component", "supervisor").Logger(),
	}
	for _, c := range components {
		s.components = append(s.components, &supervised{component: c})
	}
	return s
}

// Run starts everything and supervises until ctx is canceled. It returns nil
// on a clean shutdown, or the fatal error that ended supervision.
func (s *Supervisor) Run(ctx context.Context) error {
	started, err := s.startAll(ctx)
	if err != nil {
		s.stopAll(started)
		return err
	}

	s.logger.Info().Int("components", len(s.components)).Msg("All components started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Shutdown requested, draining")
			s.stopAll(len(s.components))
			return nil
		case <-s.clk.After(s.cfg.HealthPoll):
			if err := s.pollHealth(ctx); err != nil {
				s.stopAll(len(s.components))
				return err
			}
		}
	}
}

// startAll starts components in order, returning how many started and the
// first failure.
func (s *Supervisor) startAll(ctx context.Context) (int, error) {
	for i, sc := range s.components {
		if err := sc.component.Start(ctx); err != nil {
			return i, fmt.Errorf("failed to start %s: %w", sc.component.Name(), err)
		}
		s.logger.Info().Str("name", sc.component.Name()).Msg("Component started")
	}
	return len(s.components), nil
}

// stopAll drains the first n components in reverse order, each within the
// drain deadline.
func (s *Supervisor) stopAll(n int) {
	for i := n - 1; i >= 0; i-- {
		sc := s.components[i]
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainDeadline)
		if err := sc.component.Stop(stopCtx); err != nil {
			s.logger.Error().
				Err(err).
				Str("name", sc.component.Name()).
				Msg("Component stop failed")
		} else {
			s.logger.Info().Str("name", sc.component.Name()).Msg("Component stopped")
		}
		cancel()
	}
}

// pollHealth checks every component once, restarting any that has been
// unhealthy for the configured streak. A component exhausting its restart
// budget is a fatal error.
func (s *Supervisor) pollHealth(ctx context.Context) error {
	for _, sc := range s.components {
		name := sc.component.Name()

		healthCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainDeadline)
		err := sc.component.Healthy(healthCtx)
		cancel()

		if err == nil {
			sc.streak = 0
			metrics.ComponentUnhealthy.WithLabelValues(name).Set(0)
			continue
		}

		sc.streak++
		metrics.ComponentUnhealthy.WithLabelValues(name).Set(1)
		s.logger.Warn().
			Err(err).
			Str("name", name).
			Int("streak", sc.streak).
			Int("threshold", s.cfg.UnhealthyStreak).
			Msg("Component unhealthy")

		if sc.streak < s.cfg.UnhealthyStreak {
			continue
		}
		if sc.restarts >= s.cfg.MaxRestarts {
			return fmt.Errorf("component %s exhausted %d restarts", name, s.cfg.MaxRestarts)
		}
		if err := s.restart(ctx, sc); err != nil {
			return err
		}
	}
	return nil
}

// restart bounces one component with a backoff delay scaled by its restart
// count.
func (s *Supervisor) restart(ctx context.Context, sc *supervised) error {
	name := sc.component.Name()
	delay := s.policy.Delay(sc.restarts)
	s.logger.Warn().
		Str("name", name).
		Int("restart", sc.restarts+1).
		Dur("delay", delay).
		Msg("Restarting component")

	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainDeadline)
	if err := sc.component.Stop(stopCtx); err != nil {
		s.logger.Error().Err(err).Str("name", name).Msg("Stop during restart failed")
	}
	cancel()

	if err := s.clk.Sleep(ctx, delay); err != nil {
		return nil // shutting down; Run's ctx.Done branch drains
	}

	if err := sc.component.Start(ctx); err != nil {
		return fmt.Errorf("failed to restart %s: %w", name, err)
	}

	sc.restarts++
	sc.streak = 0
	metrics.ComponentRestarts.WithLabelValues(name).Inc()
	s.logger.Info().Str("name", name).Msg("Component restarted")
	return nil
}
