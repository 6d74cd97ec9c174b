package runs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"codexplane.io/controlplane/internal/domain"
)

func TestDeriveTitle(t *testing.T) {
	require.Equal(t, "Fix login button", deriveTitle("Fix login button\nIt is misaligned on mobile."))
	require.Equal(t, "short", deriveTitle("  short  "))

	long := strings.Repeat("word ", 40)
	got := deriveTitle(long)
	require.LessOrEqual(t, len(got), maxDerivedTitleLen)
	require.NotEmpty(t, got)
}

func TestRecoverableTransition(t *testing.T) {
	require.True(t, recoverableTransition(domain.StateExpired, domain.ReasonPreviewExpired))
	require.True(t, recoverableTransition(domain.StateFailed, domain.ReasonAgentTimeout))
	require.False(t, recoverableTransition(domain.StateFailed, domain.ReasonMergeConflict))
	require.False(t, recoverableTransition(domain.StateMerged, ""))
}

func TestChildMetadataDropsTraceID(t *testing.T) {
	got := childMetadata(map[string]interface{}{
		"trace_id": "trace-1",
		"origin":   "toolbar",
	})
	require.NotContains(t, got, "trace_id")
	require.Equal(t, "toolbar", got["origin"])
}

func TestLifecycleContract(t *testing.T) {
	c := (&Service{}).LifecycleContract()
	require.Len(t, c.States, 13)
	require.Len(t, c.FailureReasonCodes, 13)
	require.Equal(t, domain.SchemaVersion, c.SchemaVersion)
}
