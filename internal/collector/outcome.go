package collector

import (
	"time"

	"github.com/coinsentry/coinsentry/internal/backoff"
	"github.com/coinsentry/coinsentry/internal/market"
)

// Outcome is the result of one collection run for one (asset, tier) task.
// Exactly one of Success/failure applies; a failure carries the error kind so
// the scheduler can decide how to re-schedule.
type Outcome struct {
	Asset       market.AssetID
	Success     bool
	Count       int           // bars persisted
	Duplicates  int           // bars discarded as already stored
	Gaps        int           // gaps noticed in the series
	TimedOut    bool          // run overran its budget
	ErrKind     backoff.Kind  // set when Success is false
	Err         error         // underlying cause, for logs
	HintedDelay time.Duration // provider-suggested next delay, if any
	StartedAt   time.Time
	Elapsed     time.Duration
}

// Canceled reports whether the run ended by cooperative cancellation.
func (o Outcome) Canceled() bool {
	return o.ErrKind == backoff.KindCanceled
}
