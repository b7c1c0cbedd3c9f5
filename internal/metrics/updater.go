package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Task lifecycle states exported as gauge labels. Mirrors the scheduler's
// state machine; kept local so this package stays import-cycle-free.
var taskStates = []string{"IDLE", "RUNNING", "COOLING", "DISABLED"}

// TaskSource is the slice of the scheduler the updater reads.
type TaskSource interface {
	// TaskStates returns the current task count per lifecycle state.
	TaskStates() map[string]int
	// APICallsToday returns provider calls made since the last UTC midnight.
	APICallsToday() int
}

// Updater periodically copies scheduler task state into gauges.
type Updater struct {
	source   TaskSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewUpdater creates an updater polling source every interval.
func NewUpdater(source TaskSource, interval time.Duration) *Updater {
	return &Updater{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the update loop until Stop or ctx cancellation.
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.update()
	for {
		select {
		case <-ticker.C:
			u.update()
		case <-u.stopCh:
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the update loop.
func (u *Updater) Stop() {
	close(u.stopCh)
}

func (u *Updater) update() {
	counts := u.source.TaskStates()
	for _, state := range taskStates {
		TasksByState.WithLabelValues(state).Set(float64(counts[state]))
	}
	APICallsToday.Set(float64(u.source.APICallsToday()))
}
