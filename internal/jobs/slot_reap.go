// Package jobs defines River Queue maintenance jobs. The run pipeline itself
// runs on row locks in the worker orchestrator; River carries only the
// periodic housekeeping: slot lease reaping and artifact retention.
package jobs

import (
	"context"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/pkg/logger"
	"codexplane.io/controlplane/internal/slots"
)

// SlotReapArgs is the periodic job that expires overdue slot leases and moves
// their runs to expired.
type SlotReapArgs struct{}

// Kind returns the job kind identifier for slot lease reaping.
func (SlotReapArgs) Kind() string { return "slot_reap" }

// InsertOpts keeps at most one reap job pending at a time.
func (SlotReapArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByState: []rivertype.JobState{
				rivertype.JobStateAvailable,
				rivertype.JobStatePending,
				rivertype.JobStateRunning,
				rivertype.JobStateRetryable,
				rivertype.JobStateScheduled,
			},
		},
	}
}

// SlotReapWorker sweeps expired leases through the slot manager.
type SlotReapWorker struct {
	river.WorkerDefaults[SlotReapArgs]
	slots *slots.Manager
}

// NewSlotReapWorker creates the reap worker.
func NewSlotReapWorker(slotMgr *slots.Manager) *SlotReapWorker {
	return &SlotReapWorker{slots: slotMgr}
}

// Work runs one reap sweep. Sweeps with nothing to expire stay quiet.
func (w *SlotReapWorker) Work(ctx context.Context, _ *river.Job[SlotReapArgs]) error {
	res, err := w.slots.Reap(ctx)
	if err != nil {
		return err
	}
	if res.ExpiredCount > 0 {
		logger.Info("slot reap expired leases",
			zap.Int("expired_count", res.ExpiredCount),
			zap.Strings("expired_slots", res.ExpiredSlots),
		)
	}
	return nil
}

// SlotReapPeriodicJob returns the periodic schedule entry for the reaper.
// RunOnStart clears leases left over from an unclean shutdown immediately.
func SlotReapPeriodicJob(interval time.Duration) *river.PeriodicJob {
	if interval <= 0 {
		interval = time.Minute
	}
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return SlotReapArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
