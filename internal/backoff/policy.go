package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy describes exponential backoff with jitter.
// delay(attempt) = min(Base * Factor^attempt, Cap) + uniform[0, delay/2).
type Policy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int

	mu  sync.Mutex
	rnd *rand.Rand
}

// DefaultPolicy returns the standard collection retry policy.
func DefaultPolicy() *Policy {
	return &Policy{
		Base:        1 * time.Second,
		Factor:      2.0,
		Cap:         60 * time.Second,
		MaxAttempts: 3,
	}
}

// WithSeed fixes the jitter source, for deterministic tests.
func (p *Policy) WithSeed(seed int64) *Policy {
	p.mu.Lock()
	p.rnd = rand.New(rand.NewSource(seed))
	p.mu.Unlock()
	return p
}

// Delay computes the backoff before retrying after the given zero-based
// attempt number. Jitter is additive so the result stays in [d, 1.5d).
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt))
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}

	return time.Duration(d) + p.jitter(time.Duration(d))
}

// BaseDelay is Delay without jitter, used to bound expectations in tests and
// to compute cooling windows that must be reproducible.
func (p *Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt))
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	return time.Duration(d)
}

func (p *Policy) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := int64(d / 2)
	if half <= 0 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(p.rnd.Int63n(half))
}
