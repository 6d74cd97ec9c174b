package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"codexplane.io/controlplane/internal/testutil"
)

func TestSeedSlotLeases_Idempotent(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "seed_slot_leases")
	ctx := context.Background()
	slotIDs := []string{"preview-1", "preview-2", "preview-3"}

	require.NoError(t, seedSlotLeases(ctx, pool, slotIDs))
	require.NoError(t, seedSlotLeases(ctx, pool, slotIDs))

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM slot_leases WHERE lease_state = 'released'`).Scan(&count))
	require.Equal(t, len(slotIDs), count)
}

func TestDemoRunCount(t *testing.T) {
	tests := []struct {
		env  string
		want int
	}{
		{"", 0},
		{"0", 0},
		{"-3", 0},
		{"not-a-number", 0},
		{"5", 5},
		{"500", 100},
	}
	for _, tt := range tests {
		t.Setenv("SEED_DEMO_RUNS", tt.env)
		if got := demoRunCount(); got != tt.want {
			t.Errorf("demoRunCount() with %q = %d, want %d", tt.env, got, tt.want)
		}
	}
}

func TestSeedDemoRuns_Idempotent(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "seed_demo_runs")
	ctx := context.Background()

	require.NoError(t, seedDemoRuns(ctx, pool, 3))
	require.NoError(t, seedDemoRuns(ctx, pool, 3))

	var runCount, eventCount int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE status = 'queued'`).Scan(&runCount))
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM run_events WHERE event_type = 'run_created'`).Scan(&eventCount))
	require.Equal(t, 3, runCount)
	require.Equal(t, 3, eventCount)
}

func TestSeedSlotLeases_KeepsExistingLeaseState(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "seed_slot_leases_active")
	ctx := context.Background()

	require.NoError(t, seedSlotLeases(ctx, pool, []string{"preview-1"}))
	_, err := pool.Exec(ctx,
		`UPDATE slot_leases SET lease_state = 'active' WHERE slot_id = 'preview-1'`)
	require.NoError(t, err)

	require.NoError(t, seedSlotLeases(ctx, pool, []string{"preview-1"}))

	var state string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT lease_state FROM slot_leases WHERE slot_id = 'preview-1'`).Scan(&state))
	require.Equal(t, "active", state)
}
