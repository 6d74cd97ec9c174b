package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/execx"
	"codexplane.io/controlplane/internal/repository"
)

func TestClassifyOrder(t *testing.T) {
	tests := []struct {
		name string
		res  execx.Result
		want outcome
	}{
		{"clean exit", execx.Result{ExitCode: 0}, outcomeOK},
		{"nonzero exit", execx.Result{ExitCode: 2}, outcomeFailed},
		{"timeout", execx.Result{TimedOut: true, ExitCode: 1}, outcomeTimedOut},
		{"lease expiry beats timeout", execx.Result{LeaseExpired: true, TimedOut: true, ExitCode: 1}, outcomeLeaseExpired},
		{"cancel beats everything", execx.Result{Canceled: true, LeaseExpired: true, TimedOut: true, ExitCode: 1}, outcomeCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, classify(tt.res))
		})
	}
}

func TestCheckStatusByOutcome(t *testing.T) {
	tests := []struct {
		name string
		res  execx.Result
		want string
	}{
		{"clean exit", execx.Result{}, "passed"},
		{"nonzero exit", execx.Result{ExitCode: 2}, "failed"},
		{"timeout", execx.Result{TimedOut: true}, "timed_out"},
		{"canceled", execx.Result{Canceled: true}, "canceled"},
		{"lease expired", execx.Result{LeaseExpired: true}, "expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, checkStatus(classify(tt.res)))
		})
	}
}

func TestCheckFailureReason(t *testing.T) {
	require.Equal(t, domain.ReasonAgentTimeout, checkFailureReason(outcomeTimedOut))
	require.Equal(t, domain.ReasonChecksFailed, checkFailureReason(outcomeFailed))

	// A timed-out check must leave the run resumable.
	require.True(t, domain.RecoverableReasons[checkFailureReason(outcomeTimedOut)])
}

func TestCodexArgv(t *testing.T) {
	argv := codexArgv("codex", "exec --full-auto --skip-git-repo-check", "/wt/preview-1", "add a button")
	require.Equal(t, []string{
		"codex", "exec", "--full-auto", "--skip-git-repo-check",
		"--cd", "/wt/preview-1", "add a button",
	}, argv)
}

func TestEnvOverlay(t *testing.T) {
	o := &Orchestrator{}
	c := &claimedRun{
		Run:     repository.Run{ID: "run-1"},
		SlotID:  "preview-2",
		TraceID: "trace-x",
	}

	base := o.envOverlay(c, "", "")
	require.Equal(t, map[string]string{
		"RUN_ID":   "run-1",
		"SLOT_ID":  "preview-2",
		"TRACE_ID": "trace-x",
	}, base)

	full := o.envOverlay(c, "abc123", "lint")
	require.Equal(t, "abc123", full["COMMIT_SHA"])
	require.Equal(t, "lint", full["CHECK_NAME"])
}
