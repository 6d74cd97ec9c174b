package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/eventlog"
	"codexplane.io/controlplane/internal/pkg/logger"
	"codexplane.io/controlplane/internal/repository"
)

// mustTransition advances the run to the next pipeline state. Runs observed
// canceled or expired under the lock are finalized here and the pipeline
// stops.
func (o *Orchestrator) mustTransition(ctx context.Context, c *claimedRun, to domain.RunState, payload map[string]interface{}) bool {
	err := o.inTx(ctx, func(q *repository.Queries) error {
		run, err := q.GetRunForUpdate(ctx, c.Run.ID)
		if err != nil {
			return fmt.Errorf("lock run %s: %w", c.Run.ID, err)
		}
		from := domain.RunState(run.Status)
		switch from {
		case domain.StateCanceled:
			return errRunCanceled
		case domain.StateExpired:
			return errRunExpired
		}
		if err := domain.ValidateTransition(from, to, ""); err != nil {
			return err
		}
		if _, err := q.UpdateRunStatus(ctx, c.Run.ID, string(to)); err != nil {
			return fmt.Errorf("update run %s: %w", c.Run.ID, err)
		}
		_, err = eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:      c.Run.ID,
			EventType:  domain.EventStatusTransition,
			StatusFrom: from,
			StatusTo:   to,
			Payload:    payload,
		})
		return err
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, errRunCanceled):
		o.finalizeCanceled(ctx, c, true)
	case errors.Is(err, errRunExpired):
		o.finalizeExpired(ctx, c)
	default:
		logger.Error("pipeline transition failed",
			zap.String("run_id", c.Run.ID),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		o.finalizeFailed(ctx, c, domain.ReasonUnknownError, map[string]interface{}{
			"detail": "pipeline_transition_failed",
			"to":     string(to),
			"error":  err.Error(),
		})
	}
	return false
}

// finalizeFailed moves the run to failed and tears its resources down.
func (o *Orchestrator) finalizeFailed(ctx context.Context, c *claimedRun, reason domain.FailureReasonCode, details map[string]interface{}) {
	if err := o.failRun(ctx, c.Run.ID, c.SlotID, reason, details); err != nil {
		logger.Error("run failure finalization errored",
			zap.String("run_id", c.Run.ID),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
	}
}

// failRun transitions a run to failed with the given reason, then releases
// the lease and cleans the worktree. Terminal runs keep their status; the
// teardown still happens.
func (o *Orchestrator) failRun(ctx context.Context, runID, slotID string, reason domain.FailureReasonCode, details map[string]interface{}) error {
	err := o.inTx(ctx, func(q *repository.Queries) error {
		run, err := q.GetRunForUpdate(ctx, runID)
		if err != nil {
			return fmt.Errorf("lock run %s: %w", runID, err)
		}
		from := domain.RunState(run.Status)
		if domain.IsTerminal(from) {
			logger.Warn("run already terminal at failure finalization",
				zap.String("run_id", runID),
				zap.String("status", run.Status),
			)
			return nil
		}
		if err := domain.ValidateTransition(from, domain.StateFailed, reason); err != nil {
			return err
		}
		if _, err := q.UpdateRunStatus(ctx, runID, string(domain.StateFailed)); err != nil {
			return fmt.Errorf("update run %s: %w", runID, err)
		}

		payload := map[string]interface{}{"reason": string(reason)}
		for k, v := range details {
			payload[k] = v
		}
		if domain.RecoverableReasons[reason] {
			for k, v := range domain.RecoverablePayload(runID) {
				payload[k] = v
			}
		}
		_, err = eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:      runID,
			EventType:  domain.EventStatusTransition,
			StatusFrom: from,
			StatusTo:   domain.StateFailed,
			Payload:    payload,
		})
		return err
	})
	if err != nil {
		return err
	}
	return o.releaseAndCleanup(ctx, runID, slotID, false)
}

// finalizeCanceled tears down a canceled run. The cancel endpoint already
// moved the status; the worker records that it observed the cancellation.
func (o *Orchestrator) finalizeCanceled(ctx context.Context, c *claimedRun, observed bool) {
	if observed {
		err := o.inTx(ctx, func(q *repository.Queries) error {
			_, err := eventlog.Append(ctx, q, eventlog.AppendParams{
				RunID:     c.Run.ID,
				EventType: domain.EventWorkerObservedCancel,
				Payload:   map[string]interface{}{"slot_id": c.SlotID},
			})
			return err
		})
		if err != nil {
			logger.Error("cancel observation event failed",
				zap.String("run_id", c.Run.ID), zap.Error(err))
		}
	}
	if err := o.releaseAndCleanup(ctx, c.Run.ID, c.SlotID, true); err != nil {
		logger.Error("canceled run teardown errored",
			zap.String("run_id", c.Run.ID), zap.Error(err))
	}
}

// finalizeExpired tears down a run whose lease expired mid-execution. The
// expiry path already moved the status and expired the lease; releasing it
// again would overwrite the expired state, so only the worktree is cleaned.
func (o *Orchestrator) finalizeExpired(ctx context.Context, c *claimedRun) {
	err := o.inTx(ctx, func(q *repository.Queries) error {
		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:     c.Run.ID,
			EventType: domain.EventSlotReleaseSkipped,
			Payload: map[string]interface{}{
				"slot_id": c.SlotID,
				"reason":  "lease_already_expired",
			},
		}); err != nil {
			return err
		}
		_, err := o.worktrees.CleanupTx(ctx, q, c.SlotID, c.Run.ID)
		return err
	})
	if err != nil {
		logger.Error("expired run teardown errored",
			zap.String("run_id", c.Run.ID), zap.Error(err))
	}
}

// skipCanceledBeforeExecution finalizes a run canceled between claim and
// agent start: nothing executed, the resources are simply returned.
func (o *Orchestrator) skipCanceledBeforeExecution(ctx context.Context, c *claimedRun) {
	err := o.inTx(ctx, func(q *repository.Queries) error {
		_, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:     c.Run.ID,
			EventType: domain.EventWorkerSkippedCanceled,
			Payload:   map[string]interface{}{"slot_id": c.SlotID},
		})
		return err
	})
	if err != nil {
		logger.Error("skip-canceled event failed",
			zap.String("run_id", c.Run.ID), zap.Error(err))
	}
	if err := o.releaseAndCleanup(ctx, c.Run.ID, c.SlotID, true); err != nil {
		logger.Error("skipped run teardown errored",
			zap.String("run_id", c.Run.ID), zap.Error(err))
	}
}

// releaseAndCleanup releases the slot lease, cleans the slot worktree, and
// optionally deletes the run branch. A lease that cannot be released is
// recorded, not raised.
func (o *Orchestrator) releaseAndCleanup(ctx context.Context, runID, slotID string, deleteBranch bool) error {
	if slotID == "" {
		// The claim rolled back before a lease stuck; look the slot up in
		// case an earlier attempt left one.
		run, err := repository.New(o.pool).GetRun(ctx, runID)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("read run %s: %w", runID, err)
			}
			return nil
		}
		if run.SlotID.Valid {
			slotID = run.SlotID.String
		}
	}

	return o.inTx(ctx, func(q *repository.Queries) error {
		if slotID != "" {
			rel, err := o.slots.ReleaseTx(ctx, q, slotID, runID)
			if err != nil {
				return err
			}
			if !rel.Released {
				if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
					RunID:     runID,
					EventType: domain.EventSlotReleaseSkipped,
					Payload: map[string]interface{}{
						"slot_id": slotID,
						"reason":  rel.Reason,
					},
				}); err != nil {
					return err
				}
			}
			if _, err := o.worktrees.CleanupTx(ctx, q, slotID, runID); err != nil {
				return err
			}
		}
		if deleteBranch {
			if _, err := o.worktrees.DeleteRunBranchTx(ctx, q, runID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (o *Orchestrator) inTx(ctx context.Context, fn func(q *repository.Queries) error) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin worker tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(repository.New(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
