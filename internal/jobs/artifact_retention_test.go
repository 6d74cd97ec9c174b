package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codexplane.io/controlplane/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestArtifactRetentionRemovesOldFiles(t *testing.T) {
	root := t.TempDir()
	runDir := filepath.Join(root, "run-1", "checks")
	require.NoError(t, os.MkdirAll(runDir, 0o755))

	oldFile := filepath.Join(runDir, "lint.log")
	newFile := filepath.Join(runDir, "test.log")
	require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(newFile, []byte("new"), 0o644))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldFile, past, past))

	w := NewArtifactRetentionWorker(root, 24*time.Hour)
	require.NoError(t, w.Work(context.Background(), nil))

	_, err := os.Stat(oldFile)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(newFile)
	require.NoError(t, err)

	// Directory structure survives the sweep.
	_, err = os.Stat(runDir)
	require.NoError(t, err)
}

func TestArtifactRetentionMissingRoot(t *testing.T) {
	w := NewArtifactRetentionWorker(filepath.Join(t.TempDir(), "absent"), time.Hour)
	require.NoError(t, w.Work(context.Background(), nil))

	w = NewArtifactRetentionWorker("", time.Hour)
	require.NoError(t, w.Work(context.Background(), nil))
}

func TestSlotReapJobKindAndSchedule(t *testing.T) {
	require.Equal(t, "slot_reap", SlotReapArgs{}.Kind())
	require.Equal(t, "artifact_retention", ArtifactRetentionArgs{}.Kind())
	require.NotNil(t, SlotReapPeriodicJob(0))
	require.NotNil(t, ArtifactRetentionPeriodicJob())
}
