// Package approval executes approve and reject decisions. Approval drives
// the full merge pipeline synchronously: re-checks pinned to the approved
// commit, the no-fast-forward merge, the optional push, and the deploy
// reload, with a run status transition bracketing each stage.
package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/eventlog"
	"codexplane.io/controlplane/internal/mergegate"
	apperrors "codexplane.io/controlplane/internal/pkg/errors"
	"codexplane.io/controlplane/internal/pkg/logger"
	"codexplane.io/controlplane/internal/repository"
	"codexplane.io/controlplane/internal/slots"
	"codexplane.io/controlplane/internal/worktree"
)

// Service executes approval decisions.
type Service struct {
	pool      *pgxpool.Pool
	slots     *slots.Manager
	worktrees *worktree.Manager
	gate      *mergegate.Gate
}

// NewService wires the approval service.
func NewService(pool *pgxpool.Pool, slotMgr *slots.Manager, worktreeMgr *worktree.Manager, gate *mergegate.Gate) *Service {
	return &Service{pool: pool, slots: slotMgr, worktrees: worktreeMgr, gate: gate}
}

// ApproveResult reports a completed approval pipeline.
type ApproveResult struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	CommitSHA string `json:"commit_sha"`
	MergedSHA string `json:"merged_sha"`
	ReleaseID string `json:"release_id"`
	PushMode  string `json:"push_mode"`
	Pushed    bool   `json:"pushed"`
}

// RejectResult reports a reject decision.
type RejectResult struct {
	RunID            string `json:"run_id"`
	Status           string `json:"status"`
	TransitionOnly   bool   `json:"-"`
	ApprovalRecorded bool   `json:"approval_recorded"`
	Reason           string `json:"reason,omitempty"`
	WorktreeCleaned  bool   `json:"worktree_cleaned"`
	SlotReleased     bool   `json:"slot_released"`
	BranchDeleted    bool   `json:"branch_deleted"`
}

// approvedRun is the state carried from the decision transaction into the
// gate stages.
type approvedRun struct {
	RunID        string
	SlotID       string
	CommitSHA    string
	WorktreePath string
	TraceID      string
}

// Approve moves a run through needs_approval into the merge pipeline. A run
// still in preview_ready advances automatically. The call returns only after
// the run is merged or the pipeline failed it.
func (s *Service) Approve(ctx context.Context, runID, reviewerID string) (ApproveResult, error) {
	a, err := s.recordApproval(ctx, runID, reviewerID)
	if err != nil {
		return ApproveResult{}, err
	}

	if err := s.gate.RunChecks(ctx, a.RunID, a.WorktreePath, a.CommitSHA, a.TraceID); err != nil {
		return ApproveResult{}, s.failFromGate(ctx, a, err)
	}

	if err := s.transition(ctx, a.RunID, domain.StateMerging, map[string]interface{}{
		"source":     "approval",
		"commit_sha": a.CommitSHA,
	}, domain.AuditRunMergeStarted, reviewerID); err != nil {
		return ApproveResult{}, err
	}

	merge, err := s.gate.Merge(ctx, a.RunID, a.CommitSHA)
	if err != nil {
		return ApproveResult{}, s.failFromGate(ctx, a, err)
	}

	if err := s.transition(ctx, a.RunID, domain.StateDeploying, map[string]interface{}{
		"source":     "approval",
		"merged_sha": merge.MergedSHA,
		"release_id": merge.ReleaseID,
	}, domain.AuditRunMergeCompleted, reviewerID); err != nil {
		return ApproveResult{}, err
	}

	push, err := s.gate.Push(ctx, a.RunID, merge.MergedSHA)
	if err != nil {
		return ApproveResult{}, s.failFromGate(ctx, a, err)
	}
	if err := s.gate.DeployReload(ctx, a.RunID, merge.MergedSHA); err != nil {
		return ApproveResult{}, s.failFromGate(ctx, a, err)
	}
	if err := s.gate.MarkDeployed(ctx, merge.ReleaseID, merge.MergedSHA); err != nil {
		return ApproveResult{}, err
	}

	if err := s.transition(ctx, a.RunID, domain.StateMerged, map[string]interface{}{
		"source":     "approval",
		"merged_sha": merge.MergedSHA,
		"release_id": merge.ReleaseID,
		"push_mode":  string(push.Mode),
		"pushed":     !push.Skipped && !push.DryRun,
	}, domain.AuditRunDeployCompleted, reviewerID); err != nil {
		return ApproveResult{}, err
	}

	s.teardown(ctx, a.RunID, a.SlotID, false)

	return ApproveResult{
		RunID:     a.RunID,
		Status:    string(domain.StateMerged),
		CommitSHA: a.CommitSHA,
		MergedSHA: merge.MergedSHA,
		ReleaseID: merge.ReleaseID,
		PushMode:  string(push.Mode),
		Pushed:    !push.Skipped && !push.DryRun,
	}, nil
}

// recordApproval locks the run, validates its state, records the decision,
// and moves it to approved.
func (s *Service) recordApproval(ctx context.Context, runID, reviewerID string) (*approvedRun, error) {
	var a *approvedRun
	err := s.inTx(ctx, func(q *repository.Queries) error {
		run, err := q.GetRunForUpdate(ctx, runID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrRunNotFoundf(runID)
			}
			return fmt.Errorf("lock run %s: %w", runID, err)
		}

		from := domain.RunState(run.Status)
		if domain.IsTerminal(from) {
			return apperrors.ErrTerminalStatef(runID, run.Status)
		}

		// A preview_ready run advances to needs_approval as part of the
		// decision; any other source state is a conflict.
		if from == domain.StatePreviewReady {
			if _, err := q.UpdateRunStatus(ctx, runID, string(domain.StateNeedsApproval)); err != nil {
				return fmt.Errorf("advance run %s: %w", runID, err)
			}
			if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
				RunID:      runID,
				EventType:  domain.EventStatusTransition,
				StatusFrom: domain.StatePreviewReady,
				StatusTo:   domain.StateNeedsApproval,
				Payload:    map[string]interface{}{"source": "approval", "auto_advanced": true},
			}); err != nil {
				return err
			}
			from = domain.StateNeedsApproval
		}
		if from != domain.StateNeedsApproval {
			return apperrors.ErrInvalidTransitionf(string(from), string(domain.StateApproved))
		}

		if !run.CommitSHA.Valid || run.CommitSHA.String == "" {
			return apperrors.Conflict(apperrors.CodePreconditionViolated, "run has no resolved commit").
				WithParams(map[string]interface{}{"run_id": runID})
		}
		if !run.SlotID.Valid || !run.WorktreePath.Valid {
			return apperrors.Conflict(apperrors.CodePreconditionViolated, "run has no bound slot worktree").
				WithParams(map[string]interface{}{"run_id": runID})
		}

		if _, err := q.InsertApproval(ctx, repository.InsertApprovalParams{
			RunID:      runID,
			ReviewerID: optionalText(reviewerID),
			Decision:   "approved",
		}); err != nil {
			return fmt.Errorf("record approval: %w", err)
		}

		if _, err := q.UpdateRunStatus(ctx, runID, string(domain.StateApproved)); err != nil {
			return fmt.Errorf("approve run %s: %w", runID, err)
		}
		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:      runID,
			EventType:  domain.EventStatusTransition,
			StatusFrom: from,
			StatusTo:   domain.StateApproved,
			Payload:    map[string]interface{}{"source": "approval"},
		}); err != nil {
			return err
		}
		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:     runID,
			EventType: domain.EventApprovalDecision,
			Payload: map[string]interface{}{
				"decision":    "approved",
				"reviewer_id": reviewerID,
				"commit_sha":  run.CommitSHA.String,
			},
			ActorID:     reviewerID,
			AuditAction: domain.AuditRunApproveDecision,
		}); err != nil {
			return err
		}

		traceID := ""
		if rc, err := q.GetRunContext(ctx, runID); err == nil {
			if raw, ok := rc.Metadata["trace_id"].(string); ok {
				traceID = raw
			}
		}

		a = &approvedRun{
			RunID:        runID,
			SlotID:       run.SlotID.String,
			CommitSHA:    run.CommitSHA.String,
			WorktreePath: run.WorktreePath.String,
			TraceID:      traceID,
		}
		return nil
	})
	return a, err
}

// Reject fails a non-terminal run with the caller's reason and tears its
// resources down. Rejecting a terminal run records the decision only.
func (s *Service) Reject(ctx context.Context, runID, reviewerID, reasonRaw, note string) (RejectResult, error) {
	reason := domain.FailureReasonCode(reasonRaw)
	if reasonRaw == "" {
		reason = domain.ReasonPolicyRejected
	}
	if !domain.IsValidFailureReason(reason) {
		return RejectResult{}, apperrors.BadRequest(apperrors.CodeInvalidRequest, "unknown failure reason code").
			WithParams(map[string]interface{}{"failure_reason_code": reasonRaw})
	}

	var (
		res    RejectResult
		slotID string
	)
	err := s.inTx(ctx, func(q *repository.Queries) error {
		run, err := q.GetRunForUpdate(ctx, runID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrRunNotFoundf(runID)
			}
			return fmt.Errorf("lock run %s: %w", runID, err)
		}

		if _, err := q.InsertApproval(ctx, repository.InsertApprovalParams{
			RunID:      runID,
			ReviewerID: optionalText(reviewerID),
			Decision:   "rejected",
			Reason:     optionalText(note),
		}); err != nil {
			return fmt.Errorf("record rejection: %w", err)
		}

		from := domain.RunState(run.Status)
		if domain.IsTerminal(from) {
			res = RejectResult{
				RunID:            runID,
				Status:           run.Status,
				ApprovalRecorded: true,
				Reason:           "terminal_state_no_transition",
			}
			_, err := eventlog.Append(ctx, q, eventlog.AppendParams{
				RunID:     runID,
				EventType: domain.EventApprovalDecision,
				Payload: map[string]interface{}{
					"decision":    "rejected",
					"reviewer_id": reviewerID,
					"result":      "approval_recorded_only",
					"reason":      "terminal_state_no_transition",
				},
				ActorID:     reviewerID,
				AuditAction: domain.AuditRunRejectDecision,
			})
			return err
		}

		if err := domain.ValidateTransition(from, domain.StateFailed, reason); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInvalidTransition, "reject transition rejected", 409)
		}
		if _, err := q.UpdateRunStatus(ctx, runID, string(domain.StateFailed)); err != nil {
			return fmt.Errorf("fail run %s: %w", runID, err)
		}
		payload := map[string]interface{}{"reason": string(reason), "decision": "rejected"}
		if note != "" {
			payload["note"] = note
		}
		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:      runID,
			EventType:  domain.EventStatusTransition,
			StatusFrom: from,
			StatusTo:   domain.StateFailed,
			Payload:    payload,
		}); err != nil {
			return err
		}

		if run.SlotID.Valid {
			slotID = run.SlotID.String
		}
		res = RejectResult{
			RunID:            runID,
			Status:           string(domain.StateFailed),
			ApprovalRecorded: true,
			Reason:           string(reason),
		}
		return nil
	})
	if err != nil {
		return RejectResult{}, err
	}
	if res.Reason == "terminal_state_no_transition" {
		return res, nil
	}

	cleaned, released, branchDeleted := s.teardown(ctx, runID, slotID, true)
	res.WorktreeCleaned = cleaned
	res.SlotReleased = released
	res.BranchDeleted = branchDeleted

	err = s.inTx(ctx, func(q *repository.Queries) error {
		_, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:     runID,
			EventType: domain.EventApprovalDecision,
			Payload: map[string]interface{}{
				"decision":           "rejected",
				"reviewer_id":        reviewerID,
				"reason":             string(reason),
				"cleanup_worktree":   cleaned,
				"release_slot_lease": released,
				"delete_run_branch":  branchDeleted,
			},
			ActorID:     reviewerID,
			AuditAction: domain.AuditRunRejectDecision,
		})
		return err
	})
	if err != nil {
		logger.Error("reject decision event failed", zap.String("run_id", runID), zap.Error(err))
	}
	return res, nil
}

// failFromGate fails the run with the gate's reason and tears down its
// resources, then surfaces the gate error to the caller.
func (s *Service) failFromGate(ctx context.Context, a *approvedRun, gerr error) error {
	var gateErr *mergegate.GateError
	if !errors.As(gerr, &gateErr) {
		return gerr
	}

	err := s.inTx(ctx, func(q *repository.Queries) error {
		run, err := q.GetRunForUpdate(ctx, a.RunID)
		if err != nil {
			return fmt.Errorf("lock run %s: %w", a.RunID, err)
		}
		from := domain.RunState(run.Status)
		if domain.IsTerminal(from) {
			return nil
		}
		if err := domain.ValidateTransition(from, domain.StateFailed, gateErr.Reason); err != nil {
			return err
		}
		if _, err := q.UpdateRunStatus(ctx, a.RunID, string(domain.StateFailed)); err != nil {
			return fmt.Errorf("fail run %s: %w", a.RunID, err)
		}

		payload := map[string]interface{}{
			"reason": string(gateErr.Reason),
			"detail": gateErr.Detail,
		}
		for k, v := range gateErr.Params {
			payload[k] = v
		}
		_, err = eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:      a.RunID,
			EventType:  domain.EventStatusTransition,
			StatusFrom: from,
			StatusTo:   domain.StateFailed,
			Payload:    payload,
		})
		return err
	})
	if err != nil {
		logger.Error("gate failure finalization errored",
			zap.String("run_id", a.RunID), zap.Error(err))
	}
	s.teardown(ctx, a.RunID, a.SlotID, false)

	return apperrors.Wrap(gateErr, apperrors.CodePreconditionViolated, gateErr.Detail, 409).
		WithParams(gateErr.Params)
}

// teardown releases the slot lease, cleans the worktree, and optionally
// deletes the run branch. Failures are logged; teardown is best effort.
func (s *Service) teardown(ctx context.Context, runID, slotID string, deleteBranch bool) (cleaned, released, branchDeleted bool) {
	err := s.inTx(ctx, func(q *repository.Queries) error {
		if slotID != "" {
			rel, err := s.slots.ReleaseTx(ctx, q, slotID, runID)
			if err != nil {
				return err
			}
			released = rel.Released
			if !rel.Released {
				if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
					RunID:     runID,
					EventType: domain.EventSlotReleaseSkipped,
					Payload:   map[string]interface{}{"slot_id": slotID, "reason": rel.Reason},
				}); err != nil {
					return err
				}
			}
			cl, err := s.worktrees.CleanupTx(ctx, q, slotID, runID)
			if err != nil {
				return err
			}
			cleaned = cl.Cleaned
		}
		if deleteBranch {
			deleted, err := s.worktrees.DeleteRunBranchTx(ctx, q, runID)
			if err != nil {
				return err
			}
			branchDeleted = deleted
		}
		return nil
	})
	if err != nil {
		logger.Error("run teardown errored", zap.String("run_id", runID), zap.Error(err))
	}
	return cleaned, released, branchDeleted
}

// transition advances the run between pipeline stages with an audit record.
func (s *Service) transition(ctx context.Context, runID string, to domain.RunState, payload map[string]interface{}, auditAction, actorID string) error {
	return s.inTx(ctx, func(q *repository.Queries) error {
		run, err := q.GetRunForUpdate(ctx, runID)
		if err != nil {
			return fmt.Errorf("lock run %s: %w", runID, err)
		}
		from := domain.RunState(run.Status)
		if err := domain.ValidateTransition(from, to, ""); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInvalidTransition, "pipeline transition rejected", 409)
		}
		if _, err := q.UpdateRunStatus(ctx, runID, string(to)); err != nil {
			return fmt.Errorf("update run %s: %w", runID, err)
		}
		_, err = eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:       runID,
			EventType:   domain.EventStatusTransition,
			StatusFrom:  from,
			StatusTo:    to,
			Payload:     payload,
			ActorID:     actorID,
			AuditAction: auditAction,
		})
		return err
	})
}

func (s *Service) inTx(ctx context.Context, fn func(q *repository.Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin approval tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(repository.New(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func optionalText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}
