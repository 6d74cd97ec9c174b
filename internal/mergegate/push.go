package mergegate

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/pkg/logger"
	"codexplane.io/controlplane/internal/repository"
)

// PushResult reports the push step.
type PushResult struct {
	Mode    PushMode
	Skipped bool
	DryRun  bool
	Output  string
}

// Push mirrors the merged trunk to the configured remote. Manual mode skips;
// dry-run exercises the full guard sequence without transferring refs. The
// guard rejects any push that would not be a fast-forward.
func (g *Gate) Push(ctx context.Context, runID, mergedSHA string) (PushResult, error) {
	mode, err := NormalizePushMode(g.cfg.MergeGate.GitPushMode)
	if err != nil {
		return PushResult{}, gateErr(domain.ReasonDeployPushFailed, err.Error(),
			map[string]interface{}{"configured_mode": g.cfg.MergeGate.GitPushMode})
	}
	if mode == PushManual {
		return PushResult{Mode: mode, Skipped: true}, nil
	}

	remote := g.cfg.MergeGate.GitPushRemote
	branch := g.cfg.MergeGate.GitPushBranch

	if _, err := g.git.RemoteGetURL(ctx, remote); err != nil {
		return PushResult{}, gateErr(domain.ReasonDeployPushFailed, "remote_not_configured",
			map[string]interface{}{"remote": remote, "error": err.Error()})
	}

	localHead, err := g.git.RevParse(ctx, g.git.RepoRoot(), "refs/heads/"+g.trunk)
	if err != nil {
		return PushResult{}, gateErr(domain.ReasonDeployPushFailed, "local_head_resolution_failed",
			map[string]interface{}{"trunk_branch": g.trunk, "error": err.Error()})
	}
	if localHead != mergedSHA {
		return PushResult{}, gateErr(domain.ReasonDeployPushFailed, "local_branch_head_mismatch_run_commit",
			map[string]interface{}{"trunk_head": localHead, "merged_sha": mergedSHA})
	}

	if err := g.git.FetchPrune(ctx, remote, g.cfg.MergeGate.PushTimeout()); err != nil {
		return PushResult{}, gateErr(domain.ReasonDeployPushFailed, "fetch_failed",
			map[string]interface{}{"remote": remote, "error": err.Error()})
	}

	// A remote branch that does not exist yet needs no fast-forward guard.
	remoteHead, err := g.git.RevParse(ctx, g.git.RepoRoot(), "refs/remotes/"+remote+"/"+branch)
	if err == nil && remoteHead != "" {
		ancestor, err := g.git.IsAncestor(ctx, remoteHead, localHead)
		if err != nil {
			return PushResult{}, gateErr(domain.ReasonDeployPushFailed, "ancestor_check_failed",
				map[string]interface{}{"error": err.Error()})
		}
		if !ancestor {
			return PushResult{}, gateErr(domain.ReasonDeployPushFailed, "non_fast_forward_guard_failed",
				map[string]interface{}{
					"remote_head":       remoteHead,
					"local_head":        localHead,
					"rollback_guidance": g.RollbackGuidance(remoteHead),
				})
		}
	}

	out, pushErr := g.git.Push(ctx, remote, localHead, branch, mode == PushDryRun, g.cfg.MergeGate.PushTimeout())
	g.recordPushLog(ctx, runID, out)
	if pushErr != nil {
		return PushResult{}, gateErr(domain.ReasonDeployPushFailed, "push_command_failed",
			map[string]interface{}{"remote": remote, "branch": branch, "error": pushErr.Error()})
	}

	return PushResult{Mode: mode, DryRun: mode == PushDryRun, Output: out}, nil
}

// recordPushLog persists the push transcript as a run artifact.
func (g *Gate) recordPushLog(ctx context.Context, runID, output string) {
	path := g.deployLogPath(runID, "git-push")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn("push log dir create failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		logger.Warn("push log write failed", zap.Error(err))
		return
	}
	if _, err := repository.New(g.pool).InsertRunArtifact(ctx, repository.InsertRunArtifactParams{
		RunID:        runID,
		ArtifactType: "git_push_log",
		ArtifactURI:  path,
	}); err != nil {
		logger.Warn("push log artifact record failed", zap.Error(err))
	}
}
