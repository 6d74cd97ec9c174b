package preview

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"

	"codexplane.io/controlplane/internal/config"
	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/execx"
	"codexplane.io/controlplane/internal/repository"
	"codexplane.io/controlplane/internal/testutil"
)

// Every executed publish step links its log as a run artifact, pass or fail,
// so the artifact content endpoint can serve it. The failing step's log URI
// also travels in the failure event and the PublishError.
func TestPublish_LinksStepLogsAndCarriesFailureURI(t *testing.T) {
	for _, bin := range []string{"true", "false"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
	pool := testutil.OpenMigratedPool(t, "preview_publish")
	ctx := context.Background()
	q := repository.New(pool)

	_, err := q.CreateRun(ctx, repository.CreateRunParams{
		ID: "run-1", Title: "t", Prompt: "p", Status: string(domain.StateTesting), Route: "/",
	})
	require.NoError(t, err)

	sup := execx.NewSupervisor(execx.Policy{AllowedCommands: []string{"true", "false"}})
	svc := NewService(config.PreviewConfig{
		FrontendBuildCommand: "true",
		SyncCommand:          "false",
	}, pool, sup, t.TempDir())

	err = svc.Publish(ctx, "run-1", "preview-1", t.TempDir(), nil)

	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	require.Equal(t, "sync", pubErr.Step)
	require.NotEmpty(t, pubErr.LogURI)

	rows, err := q.ListRunArtifacts(ctx, "run-1", 50)
	require.NoError(t, err)
	require.Len(t, rows, 2) // frontend_build and the failed sync step
	for _, a := range rows {
		require.Equal(t, "preview_publish_log", a.ArtifactType)
	}

	linked, err := q.ArtifactLinkedToRun(ctx, "run-1", pubErr.LogURI)
	require.NoError(t, err)
	require.True(t, linked)

	var eventLogURI string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT payload->>'log_uri' FROM run_events WHERE event_type = 'preview_publish_failed'`).
		Scan(&eventLogURI))
	require.Equal(t, pubErr.LogURI, eventLogURI)
}
