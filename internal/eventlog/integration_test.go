package eventlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/repository"
	"codexplane.io/controlplane/internal/testutil"
)

func TestAppend_EventWithPairedAudit(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "eventlog_append")
	ctx := context.Background()
	q := repository.New(pool)

	_, err := q.CreateRun(ctx, repository.CreateRunParams{
		ID: "run-1", Title: "t", Prompt: "p", Status: string(domain.StateQueued), Route: "/",
	})
	require.NoError(t, err)

	ev, err := Append(ctx, q, AppendParams{
		RunID:       "run-1",
		EventType:   domain.EventApprovalDecision,
		Payload:     map[string]interface{}{"decision": "approved"},
		ActorID:     "reviewer-1",
		AuditAction: "run.approve.decision",
	})
	require.NoError(t, err)
	require.NotZero(t, ev.ID)
	require.Equal(t, domain.SchemaVersion, int(ev.Payload["schema_version"].(float64)))

	var (
		auditID string
		actorID string
		hash    string
	)
	err = pool.QueryRow(ctx,
		`SELECT id, actor_id, payload_hash FROM audit_logs WHERE action = 'run.approve.decision'`).
		Scan(&auditID, &actorID, &hash)
	require.NoError(t, err)
	require.True(t, len(auditID) > len("audit-"))
	require.Equal(t, "reviewer-1", actorID)
	require.Len(t, hash, 64)
}

func TestAppend_NoAuditRowWithoutAction(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "eventlog_no_audit")
	ctx := context.Background()
	q := repository.New(pool)

	_, err := q.CreateRun(ctx, repository.CreateRunParams{
		ID: "run-1", Title: "t", Prompt: "p", Status: string(domain.StateQueued), Route: "/",
	})
	require.NoError(t, err)

	_, err = Append(ctx, q, AppendParams{
		RunID:     "run-1",
		EventType: domain.EventStatusTransition,
		StatusTo:  domain.StatePlanning,
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&count))
	require.Zero(t, count)
}

func TestAppend_RollsBackWithTransaction(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "eventlog_tx")
	ctx := context.Background()

	_, err := repository.New(pool).CreateRun(ctx, repository.CreateRunParams{
		ID: "run-1", Title: "t", Prompt: "p", Status: string(domain.StateQueued), Route: "/",
	})
	require.NoError(t, err)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	_, err = Append(ctx, repository.New(tx), AppendParams{
		RunID:       "run-1",
		EventType:   domain.EventApprovalDecision,
		AuditAction: "run.approve.decision",
	})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	var events, audits int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM run_events`).Scan(&events))
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&audits))
	require.Zero(t, events)
	require.Zero(t, audits)
}
