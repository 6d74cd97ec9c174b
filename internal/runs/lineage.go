package runs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/eventlog"
	apperrors "codexplane.io/controlplane/internal/pkg/errors"
	"codexplane.io/controlplane/internal/repository"
)

// Retry creates a queued child run carrying the parent's prompt and context.
// Any run may be retried regardless of its state.
func (s *Service) Retry(ctx context.Context, parentID, actorID string) (RunView, error) {
	return s.spawnChild(ctx, parentID, actorID, "Retry: ", domain.EventRunRetried, nil)
}

// Resume creates a queued child run from a recoverable failure. Only runs
// that expired, or failed with a recoverable reason, can be resumed.
func (s *Service) Resume(ctx context.Context, parentID, actorID string) (RunView, error) {
	reason, err := s.recoveryReason(ctx, parentID)
	if err != nil {
		return RunView{}, err
	}
	return s.spawnChild(ctx, parentID, actorID, "Resume: ", domain.EventRunResumed,
		map[string]interface{}{"recovery_reason_code": string(reason)})
}

// recoveryReason resolves the failure reason a resume recovers from and
// rejects runs that are not in a recoverable terminal state.
func (s *Service) recoveryReason(ctx context.Context, runID string) (domain.FailureReasonCode, error) {
	q := repository.New(s.pool)
	run, err := q.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.ErrRunNotFoundf(runID)
		}
		return "", fmt.Errorf("get run %s: %w", runID, err)
	}

	switch domain.RunState(run.Status) {
	case domain.StateExpired:
		return domain.ReasonPreviewExpired, nil
	case domain.StateFailed:
		reason := s.lastFailureReason(ctx, q, runID)
		if domain.RecoverableReasons[reason] {
			return reason, nil
		}
		return "", apperrors.Conflict(apperrors.CodeRunNotRecoverable, "run failure is not recoverable").
			WithParams(map[string]interface{}{"run_id": runID, "failure_reason_code": string(reason)})
	default:
		return "", apperrors.Conflict(apperrors.CodeRunNotRecoverable, "run is not in a recoverable state").
			WithParams(map[string]interface{}{"run_id": runID, "status": run.Status})
	}
}

// lastFailureReason reads the reason off the newest transition into failed.
func (s *Service) lastFailureReason(ctx context.Context, q *repository.Queries, runID string) domain.FailureReasonCode {
	events, err := q.ListRunEvents(ctx, repository.ListRunEventsParams{
		RunID:      runID,
		Descending: true,
		Limit:      100,
	})
	if err != nil {
		return ""
	}
	for _, ev := range events {
		if ev.EventType != string(domain.EventStatusTransition) {
			continue
		}
		if ev.StatusTo.String != string(domain.StateFailed) {
			continue
		}
		if raw, ok := ev.Payload["reason"].(string); ok {
			return domain.FailureReasonCode(raw)
		}
		return ""
	}
	return ""
}

// spawnChild creates the queued child run, copies the parent context, and
// appends the lineage event alongside run_created.
func (s *Service) spawnChild(ctx context.Context, parentID, actorID, titlePrefix string, lineageEvent domain.EventType, extraPayload map[string]interface{}) (RunView, error) {
	childID := newRunID()
	var view RunView
	err := s.inTx(ctx, func(q *repository.Queries) error {
		parent, err := q.GetRun(ctx, parentID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrRunNotFoundf(parentID)
			}
			return fmt.Errorf("get run %s: %w", parentID, err)
		}

		child, err := q.CreateRun(ctx, repository.CreateRunParams{
			ID:          childID,
			Title:       titlePrefix + parent.Title,
			Prompt:      parent.Prompt,
			Status:      string(domain.StateQueued),
			Route:       parent.Route,
			ParentRunID: optionalText(parent.ID),
			CreatedBy:   optionalText(actorID),
		})
		if err != nil {
			return fmt.Errorf("create child run: %w", err)
		}

		rcParams := repository.CreateRunContextParams{RunID: childID, Route: parent.Route}
		if rc, err := q.GetRunContext(ctx, parentID); err == nil {
			rcParams.PageTitle = rc.PageTitle
			rcParams.ElementHint = rc.ElementHint
			rcParams.Note = rc.Note
			rcParams.Metadata = childMetadata(rc.Metadata)
		}
		if err := q.CreateRunContext(ctx, rcParams); err != nil {
			return fmt.Errorf("create child run context: %w", err)
		}

		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:     childID,
			EventType: domain.EventRunCreated,
			StatusTo:  domain.StateQueued,
			Payload: map[string]interface{}{
				"title":         child.Title,
				"route":         child.Route,
				"parent_run_id": parent.ID,
			},
			ActorID: actorID,
		}); err != nil {
			return err
		}

		payload := map[string]interface{}{
			"parent_run_id": parent.ID,
			"child_run_id":  childID,
		}
		for k, v := range extraPayload {
			payload[k] = v
		}
		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:     childID,
			EventType: lineageEvent,
			Payload:   payload,
			ActorID:   actorID,
		}); err != nil {
			return err
		}

		view = toView(child)
		return nil
	})
	return view, err
}

// childMetadata copies the parent's metadata minus per-run identity keys.
func childMetadata(parent map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(parent))
	for k, v := range parent {
		if k == "trace_id" {
			continue
		}
		out[k] = v
	}
	return out
}
