package scheduler

import (
	"time"

	"github.com/coinsentry/coinsentry/internal/backoff"
	"github.com/coinsentry/coinsentry/internal/market"
)

// TaskState is the lifecycle state of one collection task.
type TaskState string

const (
	StateIdle     TaskState = "IDLE"
	StateRunning  TaskState = "RUNNING"
	StateCooling  TaskState = "COOLING"
	StateDisabled TaskState = "DISABLED"
)

// healthWindow is how many recent outcomes feed the success-rate metric.
const healthWindow = 20

// emaAlpha is the smoothing factor for the response-time EMA.
const emaAlpha = 0.2

// Task is the scheduler's bookkeeping unit for one (asset, tier) pair. It is
// created at scheduler start from config and mutated only by the scheduler
// loop; readers get copies via Snapshot.
type Task struct {
	Asset    market.AssetID
	Tier     market.Tier
	Provider string

	State               TaskState
	LastSuccessAt       time.Time
	NextFireAt          time.Time
	ConsecutiveFailures int
	Successes           int64
	Failures            int64

	// Health tracking, not persisted.
	recent      []bool // ring of recent outcome successes
	recentIdx   int
	recentCount int
	emaMs       float64
	lastErrKind backoff.Kind
	lastErrAt   time.Time
}

// recordHealth folds one outcome into the rolling health window.
func (t *Task) recordHealth(success bool, elapsed time.Duration, kind backoff.Kind, at time.Time) {
	if t.recent == nil {
		t.recent = make([]bool, healthWindow)
	}
	t.recent[t.recentIdx] = success
	t.recentIdx = (t.recentIdx + 1) % healthWindow
	if t.recentCount < healthWindow {
		t.recentCount++
	}

	ms := float64(elapsed.Milliseconds())
	if t.emaMs == 0 {
		t.emaMs = ms
	} else {
		t.emaMs = emaAlpha*ms + (1-emaAlpha)*t.emaMs
	}

	if !success {
		t.lastErrKind = kind
		t.lastErrAt = at
	}
}

// successRate returns the fraction of successes over the health window, or 1
// when no outcomes have been recorded yet.
func (t *Task) successRate() float64 {
	if t.recentCount == 0 {
		return 1
	}
	ok := 0
	for i := 0; i < t.recentCount; i++ {
		if t.recent[i] {
			ok++
		}
	}
	return float64(ok) / float64(t.recentCount)
}

// TaskView is a read-only copy of task state plus health, handed to metrics
// and health pollers.
type TaskView struct {
	Asset               market.AssetID
	Tier                market.Tier
	Provider            string
	State               TaskState
	LastSuccessAt       time.Time
	NextFireAt          time.Time
	ConsecutiveFailures int
	Successes           int64
	Failures            int64
	SuccessRate         float64
	ResponseTimeEMAMs   float64
	LastErrorKind       backoff.Kind
	LastErrorAt         time.Time
}

func (t *Task) view() TaskView {
	return TaskView{
		Asset:               t.Asset,
		Tier:                t.Tier,
		Provider:            t.Provider,
		State:               t.State,
		LastSuccessAt:       t.LastSuccessAt,
		NextFireAt:          t.NextFireAt,
		ConsecutiveFailures: t.ConsecutiveFailures,
		Successes:           t.Successes,
		Failures:            t.Failures,
		SuccessRate:         t.successRate(),
		ResponseTimeEMAMs:   t.emaMs,
		LastErrorKind:       t.lastErrKind,
		LastErrorAt:         t.lastErrAt,
	}
}

// taskKey orders tasks deterministically: tier priority first, then asset
// lexicographically. Used for dispatch tie-breaking.
func taskLess(a, b *Task) bool {
	if a.NextFireAt.Equal(b.NextFireAt) {
		if a.Tier.Priority() != b.Tier.Priority() {
			return a.Tier.Priority() < b.Tier.Priority()
		}
		return a.Asset < b.Asset
	}
	return a.NextFireAt.Before(b.NextFireAt)
}
