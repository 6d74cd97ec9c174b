package mergegate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/pkg/logger"
	"codexplane.io/controlplane/internal/repository"
)

// MergeResult reports a completed trunk merge.
type MergeResult struct {
	MergedSHA string
	ReleaseID string
}

// Merge lands the approved commit on trunk with a merge commit and records
// the release. Conflicts abort the merge and restore the repository to the
// branch it was on.
func (g *Gate) Merge(ctx context.Context, runID, commitSHA string) (MergeResult, error) {
	previousBranch, err := g.git.CurrentBranch(ctx, g.git.RepoRoot())
	if err != nil {
		return MergeResult{}, gateErr(domain.ReasonMergeConflict, "current_branch_resolution_failed",
			map[string]interface{}{"error": err.Error()})
	}

	if err := g.git.Switch(ctx, g.git.RepoRoot(), g.trunk); err != nil {
		return MergeResult{}, gateErr(domain.ReasonMergeConflict, "trunk_switch_failed",
			map[string]interface{}{"trunk_branch": g.trunk, "error": err.Error()})
	}

	if _, err := g.git.MergeNoFF(ctx, commitSHA); err != nil {
		if abortErr := g.git.MergeAbort(ctx); abortErr != nil {
			logger.Warn("merge abort failed", zap.String("run_id", runID), zap.Error(abortErr))
		}
		g.restoreBranch(ctx, runID, previousBranch)
		return MergeResult{}, gateErr(domain.ReasonMergeConflict, "merge_no_ff_failed",
			map[string]interface{}{"commit_sha": commitSHA, "error": err.Error()})
	}

	mergedSHA, err := g.git.Head(ctx, g.git.RepoRoot())
	if err != nil {
		g.restoreBranch(ctx, runID, previousBranch)
		return MergeResult{}, gateErr(domain.ReasonMergeConflict, "merged_head_resolution_failed",
			map[string]interface{}{"error": err.Error()})
	}

	g.restoreBranch(ctx, runID, previousBranch)

	releaseID := ReleaseID(runID, time.Now().UTC())
	if _, err := repository.New(g.pool).UpsertRelease(ctx, repository.UpsertReleaseParams{
		ReleaseID: releaseID,
		CommitSHA: mergedSHA,
		Status:    "merged",
	}); err != nil {
		return MergeResult{}, fmt.Errorf("record release %s: %w", releaseID, err)
	}

	logger.Info("run merged to trunk",
		zap.String("run_id", runID),
		zap.String("merged_sha", mergedSHA),
		zap.String("release_id", releaseID),
	)
	return MergeResult{MergedSHA: mergedSHA, ReleaseID: releaseID}, nil
}

// MarkDeployed upgrades the release to deployed; the first deployed_at wins
// on repeats.
func (g *Gate) MarkDeployed(ctx context.Context, releaseID, mergedSHA string) error {
	_, err := repository.New(g.pool).UpsertRelease(ctx, repository.UpsertReleaseParams{
		ReleaseID: releaseID,
		CommitSHA: mergedSHA,
		Status:    "deployed",
	})
	if err != nil {
		return fmt.Errorf("mark release %s deployed: %w", releaseID, err)
	}
	return nil
}

func (g *Gate) restoreBranch(ctx context.Context, runID, branch string) {
	if branch == "" || branch == "HEAD" {
		return
	}
	if err := g.git.Switch(ctx, g.git.RepoRoot(), branch); err != nil {
		logger.Warn("branch restore failed after merge",
			zap.String("run_id", runID),
			zap.String("branch_name", branch),
			zap.Error(err),
		)
	}
}
