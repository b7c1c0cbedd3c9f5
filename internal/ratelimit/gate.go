package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/coinsentry/coinsentry/internal/backoff"
)

// Gate enforces one provider's declared rate limit. It is a token bucket with
// capacity equal to the limit per window and a refill rate of capacity/window,
// shared by every collection task targeting that provider.
type Gate struct {
	provider string
	limiter  *rate.Limiter
}

// NewGate builds a gate for a provider allowing limitPerWindow requests every
// window.
func NewGate(provider string, limitPerWindow int, window time.Duration) *Gate {
	if limitPerWindow < 1 {
		limitPerWindow = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	refill := rate.Limit(float64(limitPerWindow) / window.Seconds())
	return &Gate{
		provider: provider,
		limiter:  rate.NewLimiter(refill, limitPerWindow),
	}
}

// Acquire takes one token, blocking cooperatively until the context deadline.
// Deadline expiry surfaces as RATE_LIMITED; tokens are never refunded.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		if ctx.Err() == context.Canceled {
			return backoff.NewError(backoff.KindCanceled, err)
		}
		return backoff.Errorf(backoff.KindRateLimited,
			"rate gate for %s: %v", g.provider, err)
	}
	return nil
}

// Provider returns the provider this gate protects.
func (g *Gate) Provider() string {
	return g.provider
}

// Registry holds one shared gate per configured provider.
type Registry struct {
	mu    sync.RWMutex
	gates map[string]*Gate
}

// NewRegistry creates an empty gate registry.
func NewRegistry() *Registry {
	return &Registry{gates: make(map[string]*Gate)}
}

// Add registers a gate for a provider. Re-adding replaces the gate.
func (r *Registry) Add(provider string, limitPerWindow int, window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gates[provider] = NewGate(provider, limitPerWindow, window)
	log.Debug().
		Str("provider", provider).
		Int("limit", limitPerWindow).
		Dur("window", window).
		Msg("Registered rate gate")
}

// Get returns the gate for a provider.
func (r *Registry) Get(provider string) (*Gate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.gates[provider]
	if !ok {
		return nil, backoff.NewError(backoff.KindConfig,
			fmt.Errorf("no rate gate configured for provider %q", provider))
	}
	return g, nil
}
