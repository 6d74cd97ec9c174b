package runs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"codexplane.io/controlplane/internal/domain"
	apperrors "codexplane.io/controlplane/internal/pkg/errors"
	"codexplane.io/controlplane/internal/pkg/logger"
	"codexplane.io/controlplane/internal/testutil"
)

func init() {
	_ = logger.Init("error", "json")
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(testutil.OpenMigratedPool(t, "runs_"+t.Name()))
}

func requireAppCode(t *testing.T, err error, code string) *apperrors.AppError {
	t.Helper()
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, code, appErr.Code)
	return appErr
}

func advance(t *testing.T, svc *Service, runID string, path ...domain.RunState) {
	t.Helper()
	for _, to := range path {
		_, err := svc.Transition(context.Background(), runID, TransitionParams{To: to})
		require.NoError(t, err)
	}
}

func TestCreateGetList(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, CreateParams{
		Prompt:    "Make the save button green.\nIt currently blends into the toolbar.",
		Route:     "/settings",
		Note:      "reported by support",
		Metadata:  map[string]interface{}{"trace_id": "trace-123"},
		CreatedBy: "user-1",
	})
	require.NoError(t, err)
	require.Equal(t, string(domain.StateQueued), created.Status)
	require.Equal(t, "Make the save button green.", created.Title)
	require.Equal(t, "/settings", created.Route)

	detail, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, detail.ID)
	require.NotNil(t, detail.Context)
	require.Equal(t, "reported by support", detail.Context.Note)
	require.Equal(t, "trace-123", detail.Context.Metadata["trace_id"])

	page, err := svc.List(ctx, ListParams{Status: string(domain.StateQueued)})
	require.NoError(t, err)
	require.Equal(t, int64(1), page.Total)
	require.Len(t, page.Items, 1)

	_, err = svc.List(ctx, ListParams{Status: "sideways"})
	requireAppCode(t, err, apperrors.CodeInvalidRequest)

	_, err = svc.Get(ctx, "run-missing")
	requireAppCode(t, err, apperrors.CodeRunNotFound)
}

func TestCreate_RequiresPrompt(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Create(context.Background(), CreateParams{Prompt: "   "})
	requireAppCode(t, err, apperrors.CodeInvalidRequest)
}

func TestTransition_EnforcesStateMachine(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	run, err := svc.Create(ctx, CreateParams{Prompt: "do the thing"})
	require.NoError(t, err)

	// Skipping straight to merged is rejected.
	_, err = svc.Transition(ctx, run.ID, TransitionParams{To: domain.StateMerged})
	requireAppCode(t, err, apperrors.CodeInvalidTransition)

	moved, err := svc.Transition(ctx, run.ID, TransitionParams{To: domain.StatePlanning})
	require.NoError(t, err)
	require.Equal(t, string(domain.StatePlanning), moved.Status)

	// failed without a reason code is rejected.
	_, err = svc.Transition(ctx, run.ID, TransitionParams{To: domain.StateFailed})
	requireAppCode(t, err, apperrors.CodeInvalidTransition)

	canceled, err := svc.Cancel(ctx, run.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, string(domain.StateCanceled), canceled.Status)

	// Terminal states admit no further transitions.
	_, err = svc.Transition(ctx, run.ID, TransitionParams{To: domain.StateQueued})
	requireAppCode(t, err, apperrors.CodeTerminalState)
}

func TestExpireThenResume(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	run, err := svc.Create(ctx, CreateParams{Prompt: "tweak the banner"})
	require.NoError(t, err)
	advance(t, svc, run.ID,
		domain.StatePlanning, domain.StateEditing, domain.StateTesting, domain.StatePreviewReady)

	expired, err := svc.Expire(ctx, run.ID, "reaper")
	require.NoError(t, err)
	require.Equal(t, string(domain.StateExpired), expired.Status)

	events, err := svc.Events(ctx, run.ID, EventsParams{Descending: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, string(domain.EventStatusTransition), events[0].EventType)
	require.Equal(t, true, events[0].Payload["recoverable"])
	require.Equal(t, string(domain.ReasonPreviewExpired), events[0].Payload["reason"])

	child, err := svc.Resume(ctx, run.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, string(domain.StateQueued), child.Status)
	require.Equal(t, run.ID, child.ParentRunID)
	require.Equal(t, "Resume: "+run.Title, child.Title)
}

func TestResume_FailureReasonGatesRecovery(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	timedOut, err := svc.Create(ctx, CreateParams{Prompt: "run that times out"})
	require.NoError(t, err)
	advance(t, svc, timedOut.ID, domain.StatePlanning, domain.StateEditing)
	_, err = svc.Transition(ctx, timedOut.ID, TransitionParams{
		To:     domain.StateFailed,
		Reason: domain.ReasonAgentTimeout,
	})
	require.NoError(t, err)

	child, err := svc.Resume(ctx, timedOut.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, timedOut.ID, child.ParentRunID)

	hardFailed, err := svc.Create(ctx, CreateParams{Prompt: "run with failing checks"})
	require.NoError(t, err)
	advance(t, svc, hardFailed.ID, domain.StatePlanning, domain.StateEditing, domain.StateTesting)
	_, err = svc.Transition(ctx, hardFailed.ID, TransitionParams{
		To:     domain.StateFailed,
		Reason: domain.ReasonChecksFailed,
	})
	require.NoError(t, err)

	_, err = svc.Resume(ctx, hardFailed.ID, "user-1")
	requireAppCode(t, err, apperrors.CodeRunNotRecoverable)

	// Resume only applies to failed or expired runs.
	active, err := svc.Create(ctx, CreateParams{Prompt: "still queued"})
	require.NoError(t, err)
	_, err = svc.Resume(ctx, active.ID, "user-1")
	requireAppCode(t, err, apperrors.CodeRunNotRecoverable)
}

func TestRetry_SpawnsChildWithLineage(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	run, err := svc.Create(ctx, CreateParams{Prompt: "flaky change"})
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, run.ID, "user-1")
	require.NoError(t, err)

	child, err := svc.Retry(ctx, run.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, string(domain.StateQueued), child.Status)
	require.Equal(t, run.ID, child.ParentRunID)
	require.Equal(t, "Retry: "+run.Title, child.Title)

	events, err := svc.Events(ctx, child.ID, EventsParams{Descending: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, string(domain.EventRunRetried), events[0].EventType)
	require.Equal(t, run.ID, events[0].Payload["parent_run_id"])
	require.Equal(t, child.ID, events[0].Payload["child_run_id"])
}

func TestEvents_CursorAndOrder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	run, err := svc.Create(ctx, CreateParams{Prompt: "watch my events"})
	require.NoError(t, err)
	advance(t, svc, run.ID, domain.StatePlanning, domain.StateEditing)

	all, err := svc.Events(ctx, run.ID, EventsParams{})
	require.NoError(t, err)
	require.Len(t, all, 3) // run_created + two transitions
	require.Less(t, all[0].ID, all[1].ID)

	tail, err := svc.Events(ctx, run.ID, EventsParams{SinceID: all[0].ID})
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, all[1].ID, tail[0].ID)

	_, err = svc.Events(ctx, "run-missing", EventsParams{})
	requireAppCode(t, err, apperrors.CodeRunNotFound)
}
