package backoff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayStaysWithinJitterBounds(t *testing.T) {
	p := DefaultPolicy().WithSeed(42)

	for attempt := 0; attempt < 8; attempt++ {
		base := p.BaseDelay(attempt)
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
			assert.Less(t, d, base+base/2, "attempt %d", attempt)
		}
	}
}

func TestDelayIsCapped(t *testing.T) {
	p := DefaultPolicy().WithSeed(1)

	// 2^20 seconds is far beyond the cap; base delay must clamp to 60s.
	assert.Equal(t, 60*time.Second, p.BaseDelay(20))
	assert.Less(t, p.Delay(20), 90*time.Second)
}

func TestDelayGrowsExponentially(t *testing.T) {
	p := &Policy{Base: time.Second, Factor: 2, Cap: time.Hour, MaxAttempts: 3}

	assert.Equal(t, 1*time.Second, p.BaseDelay(0))
	assert.Equal(t, 2*time.Second, p.BaseDelay(1))
	assert.Equal(t, 4*time.Second, p.BaseDelay(2))
	assert.Equal(t, 8*time.Second, p.BaseDelay(3))
}

func TestClassifyKnownKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified error keeps kind", NewError(KindLimit, errors.New("drawdown")), KindLimit},
		{"context canceled", context.Canceled, KindCanceled},
		{"deadline exceeded", context.DeadlineExceeded, KindTransient},
		{"connection refused", errors.New("dial tcp: connection refused"), KindTransient},
		{"http 503", errors.New("unexpected status 503"), KindTransient},
		{"http 429", errors.New("unexpected status 429 Too Many Requests"), KindRateLimited},
		{"rate limit text", errors.New("provider rate limit exceeded"), KindRateLimited},
		{"http 404", errors.New("unexpected status 404"), KindValidation},
		{"schema failure", errors.New("schema mismatch in response body"), KindValidation},
		{"unknown", errors.New("something odd happened"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyWrappedError(t *testing.T) {
	inner := NewError(KindRateLimited, errors.New("429"))
	wrapped := fmt.Errorf("fetch bitcoin: %w", inner)
	assert.Equal(t, KindRateLimited, Classify(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindTransient))
	assert.True(t, Retryable(KindRateLimited))
	assert.False(t, Retryable(KindValidation))
	assert.False(t, Retryable(KindConfig))
	assert.False(t, Retryable(KindLimit))
	assert.False(t, Retryable(KindCanceled))
	assert.False(t, Retryable(KindInternal))
}

func TestRetryAfterHint(t *testing.T) {
	err := &Error{Kind: KindRateLimited, RetryAfter: 7 * time.Second, Err: errors.New("429")}
	wrapped := fmt.Errorf("fetch: %w", err)

	d, ok := RetryAfter(wrapped)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, d)

	_, ok = RetryAfter(errors.New("plain"))
	assert.False(t, ok)
}
