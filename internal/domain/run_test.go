package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidTransitionsCoverAllStates(t *testing.T) {
	require.Len(t, ValidTransitions, len(AllStates))
	for _, s := range AllStates {
		_, ok := ValidTransitions[s]
		require.True(t, ok, "state %s missing from transition map", s)
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for s := range TerminalStates {
		require.Empty(t, ValidTransitions[s], "terminal state %s must not have targets", s)
	}
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    RunState
		to      RunState
		reason  FailureReasonCode
		wantErr string
	}{
		{"queued to planning", StateQueued, StatePlanning, "", ""},
		{"testing to preview_ready", StateTesting, StatePreviewReady, "", ""},
		{"failed with reason", StateEditing, StateFailed, ReasonAgentTimeout, ""},
		{"failed without reason", StateEditing, StateFailed, "", "failure_reason_code is required"},
		{"failed with unknown reason", StateEditing, StateFailed, "NOPE", "unknown failure_reason_code"},
		{"reason on non-failed", StateQueued, StatePlanning, ReasonChecksFailed, "only valid for failed"},
		{"reason on expired", StateEditing, StateExpired, ReasonPreviewExpired, "only valid for failed"},
		{"expired without reason", StateEditing, StateExpired, "", ""},
		{"terminal source", StateMerged, StatePlanning, "", "terminal"},
		{"skipped edge", StateQueued, StateTesting, "", "not allowed"},
		{"merging cannot expire", StateMerging, StateExpired, "", "not allowed"},
		{"unknown target", StateQueued, RunState("warp"), "", "unknown target state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to, tt.reason)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTerminalRuleErrorIsDistinguished(t *testing.T) {
	err := ValidateTransition(StateCanceled, StateQueued, "")
	require.Error(t, err)
	ruleErr, ok := err.(*TransitionRuleError)
	require.True(t, ok)
	require.True(t, ruleErr.Terminal)
}

func TestBranchName(t *testing.T) {
	got, err := BranchName("0192a-run")
	require.NoError(t, err)
	require.Equal(t, "codex/run-0192a-run", got)

	_, err = BranchName("../escape")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid_run_id_for_branch")

	_, err = BranchName("")
	require.Error(t, err)
}

func TestRecoverablePayload(t *testing.T) {
	p := RecoverablePayload("abc")
	require.Equal(t, true, p["recoverable"])
	require.Equal(t, "create_child_run", p["recovery_strategy"])
	require.Equal(t, "/api/runs/abc/resume", p["resume_endpoint"])
}

func TestRecoverableReasons(t *testing.T) {
	require.True(t, RecoverableReasons[ReasonAgentTimeout])
	require.True(t, RecoverableReasons[ReasonPreviewExpired])
	require.False(t, RecoverableReasons[ReasonChecksFailed])
}
