package backoff

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind buckets every failure the pipeline can see. Downstream behavior
// (retry, drop, reject, crash) is decided on the kind, never on the
// concrete error type.
type Kind string

const (
	KindTransient   Kind = "TRANSIENT"    // network, timeout, 5xx; retried with backoff
	KindRateLimited Kind = "RATE_LIMITED" // 429 or gate refusal; retried respecting hints
	KindValidation  Kind = "VALIDATION"   // bad data shape; record dropped, counted
	KindConfig      Kind = "CONFIG"       // unrecoverable at startup
	KindLimit       Kind = "LIMIT"        // risk rule violation; rejected assessment
	KindCanceled    Kind = "CANCELED"     // cooperative cancellation
	KindInternal    Kind = "INTERNAL"     // unexpected; logged, never crashes a worker
)

// Error carries a classification kind and an optional provider-suggested
// retry delay alongside the wrapped cause.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify maps an arbitrary error onto the taxonomy. Already-classified
// errors keep their kind; everything else is matched on well-known network
// failure shapes, falling back to INTERNAL.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit"):
		return KindRateLimited
	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "temporary failure") ||
		strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504"):
		return KindTransient
	case strings.Contains(msg, "400") || strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "schema") || strings.Contains(msg, "invalid"):
		return KindValidation
	default:
		return KindInternal
	}
}

// Retryable reports whether an error of this kind should be attempted again.
func Retryable(kind Kind) bool {
	return kind == KindTransient || kind == KindRateLimited
}

// RetryAfter extracts a provider-suggested delay, if the error carries one.
func RetryAfter(err error) (time.Duration, bool) {
	var ce *Error
	if errors.As(err, &ce) && ce.RetryAfter > 0 {
		return ce.RetryAfter, true
	}
	return 0, false
}
