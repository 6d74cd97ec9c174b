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

// TransitionParams describes an explicit state transition request.
type TransitionParams struct {
	To      domain.RunState
	Reason  domain.FailureReasonCode
	Payload map[string]interface{}
	ActorID string
}

// Transition moves a run to the requested state after validating the edge and
// the failure-reason rules. Recoverable failures and expiries carry the
// recovery pointer in the transition payload.
func (s *Service) Transition(ctx context.Context, runID string, p TransitionParams) (RunView, error) {
	var view RunView
	err := s.inTx(ctx, func(q *repository.Queries) error {
		run, err := q.GetRunForUpdate(ctx, runID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrRunNotFoundf(runID)
			}
			return fmt.Errorf("lock run %s: %w", runID, err)
		}

		from := domain.RunState(run.Status)
		if err := domain.ValidateTransition(from, p.To, p.Reason); err != nil {
			return transitionRuleError(runID, run.Status, p.To, err)
		}
		if _, err := q.UpdateRunStatus(ctx, runID, string(p.To)); err != nil {
			return fmt.Errorf("update run %s: %w", runID, err)
		}

		payload := map[string]interface{}{"source": "api"}
		for k, v := range p.Payload {
			payload[k] = v
		}
		if p.Reason != "" {
			payload["reason"] = string(p.Reason)
		}
		if recoverableTransition(p.To, p.Reason) {
			for k, v := range domain.RecoverablePayload(runID) {
				payload[k] = v
			}
		}
		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:      runID,
			EventType:  domain.EventStatusTransition,
			StatusFrom: from,
			StatusTo:   p.To,
			Payload:    payload,
			ActorID:    p.ActorID,
		}); err != nil {
			return err
		}

		run.Status = string(p.To)
		view = toView(run)
		return nil
	})
	return view, err
}

// Cancel requests cooperative cancellation. Queued runs cancel immediately;
// executing runs flip to canceled here and the worker observes the status at
// its next probe and tears resources down.
func (s *Service) Cancel(ctx context.Context, runID, actorID string) (RunView, error) {
	return s.Transition(ctx, runID, TransitionParams{
		To:      domain.StateCanceled,
		Payload: map[string]interface{}{"action": "cancel"},
		ActorID: actorID,
	})
}

// Expire marks an idle preview run as expired. The expiry reason travels in
// the event payload, not through the validator: failure_reason_code is
// reserved for failed transitions. The payload also carries the recovery
// pointer so the client can resume into a child run.
func (s *Service) Expire(ctx context.Context, runID, actorID string) (RunView, error) {
	return s.Transition(ctx, runID, TransitionParams{
		To: domain.StateExpired,
		Payload: map[string]interface{}{
			"action": "expire",
			"reason": string(domain.ReasonPreviewExpired),
		},
		ActorID: actorID,
	})
}

// recoverableTransition reports whether the transition ends in a state a
// resume call can recover from.
func recoverableTransition(to domain.RunState, reason domain.FailureReasonCode) bool {
	switch to {
	case domain.StateExpired:
		return true
	case domain.StateFailed:
		return domain.RecoverableReasons[reason]
	default:
		return false
	}
}

// transitionRuleError maps a state machine violation to the API error shape.
func transitionRuleError(runID, status string, to domain.RunState, err error) error {
	var rule *domain.TransitionRuleError
	if errors.As(err, &rule) {
		if rule.Terminal {
			return apperrors.ErrTerminalStatef(runID, status)
		}
		return apperrors.ErrInvalidTransitionf(status, string(to)).
			WithParams(map[string]interface{}{
				"run_id": runID,
				"from":   status,
				"to":     string(to),
				"detail": rule.Detail,
			})
	}
	return err
}
