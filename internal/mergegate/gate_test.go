package mergegate

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codexplane.io/controlplane/internal/config"
	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/execx"
	"codexplane.io/controlplane/internal/gitx"
	"codexplane.io/controlplane/internal/repository"
	"codexplane.io/controlplane/internal/testutil"
)

func TestNormalizePushMode(t *testing.T) {
	tests := []struct {
		in      string
		want    PushMode
		wantErr bool
	}{
		{"manual", PushManual, false},
		{"off", PushManual, false},
		{"disabled", PushManual, false},
		{"none", PushManual, false},
		{"", PushManual, false},
		{"auto", PushAuto, false},
		{"enabled", PushAuto, false},
		{"AUTO", PushAuto, false},
		{"dry-run", PushDryRun, false},
		{"dry_run", PushDryRun, false},
		{"dryrun", PushDryRun, false},
		{"yolo", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePushMode(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), "invalid_push_mode:")
			} else {
				require.NoError(t, err)
				require.Equal(t, tt.want, got)
			}
		})
	}
}

func TestReleaseID(t *testing.T) {
	now := time.Unix(1700000000, 0)
	require.Equal(t, "rel-0192aabb-1700000000", ReleaseID("0192aabb-ccdd-eeff-0011-223344556677", now))
	require.Equal(t, "rel-r1-1700000000", ReleaseID("r1", now))
}

func gitInRepo(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}

// A worktree whose HEAD no longer matches the approved commit is a merge
// conflict, not a check failure: the approval was given for another commit.
func TestRunChecks_CommitPinViolationIsMergeConflict(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repo := t.TempDir()
	gitInRepo(t, repo, "init", "--quiet")
	gitInRepo(t, repo, "-c", "user.name=test", "-c", "user.email=test@example.com",
		"commit", "--allow-empty", "-m", "seed")

	cfg, err := config.Load()
	require.NoError(t, err)

	g := NewGate(cfg, nil, gitx.NewClient(repo, "test", "test@example.com"), nil)
	err = g.RunChecks(context.Background(), "run-1", repo,
		"0000000000000000000000000000000000000000", "trace-1")

	var gateError *GateError
	require.ErrorAs(t, err, &gateError)
	require.Equal(t, domain.ReasonMergeConflict, gateError.Reason)
	require.Equal(t, "head_sha_mismatch_before_checks", gateError.Detail)
}

// A gate check that hits its timeout records status timed_out, not failed,
// and fails the run with the recoverable timeout reason.
func TestMergeGateCheck_TimeoutRecordsTimedOutStatus(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	pool := testutil.OpenMigratedPool(t, "mergegate_timeout")
	ctx := context.Background()
	q := repository.New(pool)

	_, err := q.CreateRun(ctx, repository.CreateRunParams{
		ID: "run-1", Title: "t", Prompt: "p", Status: string(domain.StateMerging), Route: "/",
	})
	require.NoError(t, err)

	g := &Gate{
		pool:         pool,
		sup:          execx.NewSupervisor(execx.Policy{AllowedCommands: []string{"sleep"}}),
		artifactRoot: t.TempDir(),
	}
	err = g.runOneCheck(ctx, q, "run-1", t.TempDir(), "abc123", "trace-1", config.CheckSpec{
		Name:    "slow",
		Command: "sleep 5",
		Timeout: 200 * time.Millisecond,
	})

	var gateError *GateError
	require.ErrorAs(t, err, &gateError)
	require.Equal(t, domain.ReasonAgentTimeout, gateError.Reason)
	require.Equal(t, "merge_gate_check_timed_out", gateError.Detail)

	var status string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT status FROM validation_checks WHERE check_name = 'merge_gate:slow'`).Scan(&status))
	require.Equal(t, "timed_out", status)
}

func TestGateErrorCarriesReason(t *testing.T) {
	err := gateErr(domain.ReasonDeployPushFailed, "non_fast_forward_guard_failed", nil)
	require.Equal(t, domain.ReasonDeployPushFailed, err.Reason)
	require.Contains(t, err.Error(), "non_fast_forward_guard_failed")
}
