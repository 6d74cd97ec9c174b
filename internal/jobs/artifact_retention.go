package jobs

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/pkg/logger"
)

// DefaultArtifactRetention is the retention baseline for run artifact files.
const DefaultArtifactRetention = 30 * 24 * time.Hour

// ArtifactRetentionArgs is the periodic job that removes aged artifact files
// under the artifact root. Database rows stay; the audit trail outlives the
// log files it points at.
type ArtifactRetentionArgs struct{}

// Kind returns the job kind identifier for artifact retention.
func (ArtifactRetentionArgs) Kind() string { return "artifact_retention" }

// InsertOpts ensures at most one retention job is enqueued per day.
func (ArtifactRetentionArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: 24 * time.Hour,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// ArtifactRetentionWorker deletes artifact files older than the retention
// duration. Only regular files are removed; directory structure is kept.
type ArtifactRetentionWorker struct {
	river.WorkerDefaults[ArtifactRetentionArgs]
	artifactRoot string
	retention    time.Duration
}

// NewArtifactRetentionWorker creates the retention worker. Non-positive
// retention falls back to the 30-day default.
func NewArtifactRetentionWorker(artifactRoot string, retention time.Duration) *ArtifactRetentionWorker {
	if retention <= 0 {
		retention = DefaultArtifactRetention
	}
	return &ArtifactRetentionWorker{artifactRoot: artifactRoot, retention: retention}
}

// Work removes expired artifact files.
func (w *ArtifactRetentionWorker) Work(ctx context.Context, _ *river.Job[ArtifactRetentionArgs]) error {
	if w.artifactRoot == "" {
		return nil
	}
	cutoff := time.Now().UTC().Add(-w.retention)

	var removed int
	err := filepath.WalkDir(w.artifactRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			logger.Warn("artifact removal failed", zap.String("path", path), zap.Error(err))
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		return err
	}

	if removed > 0 {
		logger.Info("artifact retention sweep completed",
			zap.Int("removed_files", removed),
			zap.String("cutoff", cutoff.Format(time.RFC3339)),
			zap.Duration("retention", w.retention),
		)
	}
	return nil
}

// ArtifactRetentionPeriodicJob returns the daily schedule entry.
func ArtifactRetentionPeriodicJob() *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(24*time.Hour),
		func() (river.JobArgs, *river.InsertOpts) {
			return ArtifactRetentionArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: false},
	)
}
