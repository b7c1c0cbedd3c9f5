package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinsentry/coinsentry/internal/backoff"
	"github.com/coinsentry/coinsentry/internal/clock"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

type stubComponent struct {
	name string
	rec  *recorder

	mu        sync.Mutex
	startErr  error
	healthErr error
	starts    int
	stops     int
	healths   int
}

func (c *stubComponent) Name() string { return c.name }

func (c *stubComponent) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	c.rec.add("start:" + c.name)
	return c.startErr
}

func (c *stubComponent) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.rec.add("stop:" + c.name)
	return nil
}

func (c *stubComponent) Healthy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healths++
	return c.healthErr
}

func (c *stubComponent) setHealthErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthErr = err
}

func (c *stubComponent) counts() (starts, stops, healths int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops, c.healths
}

func testSupervisorConfig() Config {
	cfg := DefaultConfig()
	cfg.DrainDeadline = time.Second
	return cfg
}

func testRestartPolicy() *backoff.Policy {
	p := backoff.DefaultPolicy()
	p.WithSeed(5)
	return p
}

// advanceUntil drives the fake clock forward one health-poll interval per
// attempt until cond holds.
func advanceUntil(t *testing.T, fc *clock.Fake, cfg Config, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		fc.Advance(cfg.HealthPoll)
		return cond()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRunStartsInOrderAndDrainsInReverse(t *testing.T) {
	rec := &recorder{}
	a := &stubComponent{name: "sink", rec: rec}
	b := &stubComponent{name: "scheduler", rec: rec}
	c := &stubComponent{name: "pipeline", rec: rec}

	cfg := testSupervisorConfig()
	fc := clock.NewFake(time.Now())
	s := New(cfg, fc, testRestartPolicy(), a, b, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(rec.list()) >= 3
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{
		"start:sink", "start:scheduler", "start:pipeline",
		"stop:pipeline", "stop:scheduler", "stop:sink",
	}, rec.list())
}

func TestStartFailureUnwindsStartedComponents(t *testing.T) {
	rec := &recorder{}
	a := &stubComponent{name: "first", rec: rec}
	b := &stubComponent{name: "second", rec: rec, startErr: errors.New("port in use")}
	c := &stubComponent{name: "third", rec: rec}

	cfg := testSupervisorConfig()
	s := New(cfg, clock.NewFake(time.Now()), testRestartPolicy(), a, b, c)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start second")

	// The failed component never ran, so only the first is unwound.
	assert.Equal(t, []string{"start:first", "start:second", "stop:first"}, rec.list())

	starts, _, _ := c.counts()
	assert.Zero(t, starts)
}

func TestUnhealthyComponentRestartsAfterStreak(t *testing.T) {
	rec := &recorder{}
	flaky := &stubComponent{name: "flaky-repo", rec: rec, healthErr: errors.New("connection refused")}

	cfg := testSupervisorConfig()
	cfg.UnhealthyStreak = 2
	fc := clock.NewFake(time.Now())
	s := New(cfg, fc, testRestartPolicy(), flaky)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	advanceUntil(t, fc, cfg, func() bool {
		starts, stops, _ := flaky.counts()
		return starts >= 2 && stops >= 1
	})

	// Once the component recovers the streak resets and no further restarts
	// happen.
	flaky.setHealthErr(nil)
	startsAfterHeal, _, healthsAtHeal := flaky.counts()

	advanceUntil(t, fc, cfg, func() bool {
		_, _, healths := flaky.counts()
		return healths >= healthsAtHeal+3
	})

	starts, _, _ := flaky.counts()
	assert.Equal(t, startsAfterHeal, starts)

	cancel()
	require.NoError(t, <-done)
}

func TestHealthyPollsResetTheStreak(t *testing.T) {
	rec := &recorder{}
	wobbly := &stubComponent{name: "wobbly-cache", rec: rec, healthErr: errors.New("timeout")}

	cfg := testSupervisorConfig()
	cfg.UnhealthyStreak = 3
	fc := clock.NewFake(time.Now())
	s := New(cfg, fc, testRestartPolicy(), wobbly)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Two failed polls, then recovery, then two more failures: the streak
	// never reaches three so the component is never restarted.
	advanceUntil(t, fc, cfg, func() bool {
		_, _, healths := wobbly.counts()
		return healths >= 2
	})
	wobbly.setHealthErr(nil)

	_, _, healed := wobbly.counts()
	advanceUntil(t, fc, cfg, func() bool {
		_, _, healths := wobbly.counts()
		return healths >= healed+1
	})
	wobbly.setHealthErr(errors.New("timeout"))

	_, _, sick := wobbly.counts()
	advanceUntil(t, fc, cfg, func() bool {
		_, _, healths := wobbly.counts()
		return healths >= sick+2
	})

	starts, stops, _ := wobbly.counts()
	assert.Equal(t, 1, starts)
	assert.Zero(t, stops)

	cancel()
	require.NoError(t, <-done)
}

func TestExhaustedRestartBudgetIsFatal(t *testing.T) {
	rec := &recorder{}
	dead := &stubComponent{name: "dead-feed", rec: rec, healthErr: errors.New("gone")}

	cfg := testSupervisorConfig()
	cfg.UnhealthyStreak = 1
	cfg.MaxRestarts = 1
	fc := clock.NewFake(time.Now())
	s := New(cfg, fc, testRestartPolicy(), dead)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	var err error
	require.Eventually(t, func() bool {
		fc.Advance(cfg.HealthPoll)
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted 1 restarts")

	// The fatal exit still drains the component.
	_, stops, _ := dead.counts()
	assert.GreaterOrEqual(t, stops, 2)
}
