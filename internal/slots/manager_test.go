package slots

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/pkg/logger"
	"codexplane.io/controlplane/internal/repository"
	"codexplane.io/controlplane/internal/testutil"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestNewManager_TTLFloor(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, []string{"preview-1"}, time.Second)
	require.Equal(t, 30*time.Second, m.TTL())
}

func TestSlotIDs_CopiesConfiguredOrder(t *testing.T) {
	t.Parallel()

	ids := []string{"preview-1", "preview-2"}
	m := NewManager(nil, ids, time.Minute)
	got := m.SlotIDs()
	require.Equal(t, ids, got)
	got[0] = "mutated"
	require.Equal(t, "preview-1", m.SlotIDs()[0])
}

func newTestManager(t *testing.T, slotIDs []string, ttl time.Duration) (*Manager, *pgxpool.Pool) {
	t.Helper()
	pool := testutil.OpenMigratedPool(t, "slots_"+t.Name())
	return NewManager(pool, slotIDs, ttl), pool
}

func createRun(t *testing.T, pool *pgxpool.Pool, id string, status domain.RunState) {
	t.Helper()
	_, err := repository.New(pool).CreateRun(context.Background(), repository.CreateRunParams{
		ID:     id,
		Title:  "test run " + id,
		Prompt: "prompt",
		Status: string(status),
		Route:  "/",
	})
	require.NoError(t, err)
}

func runStatus(t *testing.T, pool *pgxpool.Pool, id string) string {
	t.Helper()
	run, err := repository.New(pool).GetRun(context.Background(), id)
	require.NoError(t, err)
	return run.Status
}

func forceLeaseExpiry(t *testing.T, pool *pgxpool.Pool, slotID string) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`UPDATE slot_leases SET expires_at = now() - interval '1 minute' WHERE slot_id = $1`, slotID)
	require.NoError(t, err)
}

func TestAcquire_OrderedHandoutAndExhaustion(t *testing.T) {
	m, pool := newTestManager(t, []string{"preview-1", "preview-2"}, time.Minute)
	ctx := context.Background()

	createRun(t, pool, "run-a", domain.StatePlanning)
	createRun(t, pool, "run-b", domain.StatePlanning)
	createRun(t, pool, "run-c", domain.StateQueued)

	resA, err := m.Acquire(ctx, "run-a")
	require.NoError(t, err)
	require.True(t, resA.Acquired)
	require.Equal(t, "preview-1", resA.SlotID)

	resB, err := m.Acquire(ctx, "run-b")
	require.NoError(t, err)
	require.True(t, resB.Acquired)
	require.Equal(t, "preview-2", resB.SlotID)

	resC, err := m.Acquire(ctx, "run-c")
	require.NoError(t, err)
	require.False(t, resC.Acquired)
	require.Equal(t, string(domain.ReasonWaitingForSlot), resC.QueueReason)

	rel, err := m.Release(ctx, "preview-1", "run-a")
	require.NoError(t, err)
	require.True(t, rel.Released)

	resC2, err := m.Acquire(ctx, "run-c")
	require.NoError(t, err)
	require.True(t, resC2.Acquired)
	require.Equal(t, "preview-1", resC2.SlotID)
}

func TestAcquire_IdempotentForLeaseHolder(t *testing.T) {
	m, pool := newTestManager(t, []string{"preview-1", "preview-2"}, time.Minute)
	ctx := context.Background()

	createRun(t, pool, "run-a", domain.StatePlanning)

	first, err := m.Acquire(ctx, "run-a")
	require.NoError(t, err)
	require.True(t, first.Acquired)

	second, err := m.Acquire(ctx, "run-a")
	require.NoError(t, err)
	require.True(t, second.Acquired)
	require.Equal(t, first.SlotID, second.SlotID)

	// The repeat acquire must not consume a second slot.
	states, err := m.ListStates(ctx)
	require.NoError(t, err)
	leased := 0
	for _, s := range states {
		if s.EffectiveState == "leased" {
			leased++
		}
	}
	require.Equal(t, 1, leased)
}

func TestRelease_OwnerMismatchAndMissing(t *testing.T) {
	m, pool := newTestManager(t, []string{"preview-1"}, time.Minute)
	ctx := context.Background()

	createRun(t, pool, "run-a", domain.StatePlanning)
	_, err := m.Acquire(ctx, "run-a")
	require.NoError(t, err)

	rel, err := m.Release(ctx, "preview-1", "run-b")
	require.NoError(t, err)
	require.False(t, rel.Released)
	require.Equal(t, "slot_owned_by_different_run", rel.Reason)

	rel, err = m.Release(ctx, "preview-9", "run-a")
	require.NoError(t, err)
	require.False(t, rel.Released)
	require.Equal(t, "slot_not_found", rel.Reason)
}

func TestHeartbeat_RearmsLiveLease(t *testing.T) {
	m, pool := newTestManager(t, []string{"preview-1"}, time.Minute)
	ctx := context.Background()

	createRun(t, pool, "run-a", domain.StatePlanning)
	createRun(t, pool, "run-b", domain.StateQueued)
	acq, err := m.Acquire(ctx, "run-a")
	require.NoError(t, err)

	hb, err := m.Heartbeat(ctx, "preview-1", "run-a")
	require.NoError(t, err)
	require.True(t, hb.OK)
	require.False(t, hb.ExpiresAt.Before(acq.ExpiresAt))

	hb, err = m.Heartbeat(ctx, "preview-1", "run-b")
	require.NoError(t, err)
	require.False(t, hb.OK)
	require.Equal(t, "slot_owned_by_different_run", hb.Reason)
}

func TestHeartbeat_ExpiredLeaseFinalizesRun(t *testing.T) {
	m, pool := newTestManager(t, []string{"preview-1"}, time.Minute)
	ctx := context.Background()

	createRun(t, pool, "run-a", domain.StatePreviewReady)
	_, err := m.Acquire(ctx, "run-a")
	require.NoError(t, err)
	forceLeaseExpiry(t, pool, "preview-1")

	hb, err := m.Heartbeat(ctx, "preview-1", "run-a")
	require.NoError(t, err)
	require.False(t, hb.OK)
	require.Equal(t, "lease_expired", hb.Reason)

	require.Equal(t, string(domain.StateExpired), runStatus(t, pool, "run-a"))

	// The freed slot is immediately acquirable by another run.
	createRun(t, pool, "run-b", domain.StateQueued)
	acq, err := m.Acquire(ctx, "run-b")
	require.NoError(t, err)
	require.True(t, acq.Acquired)
}

func TestReap_ExpiresStaleLeasesOnly(t *testing.T) {
	m, pool := newTestManager(t, []string{"preview-1", "preview-2"}, time.Minute)
	ctx := context.Background()

	createRun(t, pool, "run-a", domain.StateEditing)
	createRun(t, pool, "run-b", domain.StateEditing)
	_, err := m.Acquire(ctx, "run-a")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "run-b")
	require.NoError(t, err)
	forceLeaseExpiry(t, pool, "preview-1")

	res, err := m.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.ExpiredCount)
	require.Equal(t, []string{"preview-1"}, res.ExpiredSlots)

	require.Equal(t, string(domain.StateExpired), runStatus(t, pool, "run-a"))
	require.Equal(t, string(domain.StateEditing), runStatus(t, pool, "run-b"))

	// Second pass finds nothing.
	res, err = m.Reap(ctx)
	require.NoError(t, err)
	require.Zero(t, res.ExpiredCount)
}

func TestReap_SkipsTransitionForMergingRun(t *testing.T) {
	m, pool := newTestManager(t, []string{"preview-1"}, time.Minute)
	ctx := context.Background()

	createRun(t, pool, "run-a", domain.StateMerging)
	_, err := m.Acquire(ctx, "run-a")
	require.NoError(t, err)
	forceLeaseExpiry(t, pool, "preview-1")

	res, err := m.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.ExpiredCount)

	// Merging runs keep their status; only the lease is reclaimed.
	require.Equal(t, string(domain.StateMerging), runStatus(t, pool, "run-a"))
}
