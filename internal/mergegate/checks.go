package mergegate

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/config"
	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/eventlog"
	"codexplane.io/controlplane/internal/execx"
	"codexplane.io/controlplane/internal/pkg/logger"
	"codexplane.io/controlplane/internal/repository"
)

// RunChecks re-runs the required checks against the approved commit inside
// the run's worktree. The checks are commit-pinned: the worktree HEAD must
// equal the approved commit before the first check and must not move while
// they run.
func (g *Gate) RunChecks(ctx context.Context, runID, worktreePath, commitSHA, traceID string) error {
	specs, err := g.LoadChecks()
	if err != nil {
		return err
	}

	head, err := g.git.Head(ctx, worktreePath)
	if err != nil {
		return gateErr(domain.ReasonChecksFailed, "head_resolution_failed",
			map[string]interface{}{"error": err.Error()})
	}
	if head != commitSHA {
		return gateErr(domain.ReasonMergeConflict, "head_sha_mismatch_before_checks",
			map[string]interface{}{"expected_sha": commitSHA, "actual_sha": head})
	}

	q := repository.New(g.pool)
	for _, spec := range specs {
		if err := g.runOneCheck(ctx, q, runID, worktreePath, commitSHA, traceID, spec); err != nil {
			return err
		}

		head, err := g.git.Head(ctx, worktreePath)
		if err != nil {
			return gateErr(domain.ReasonChecksFailed, "head_resolution_failed",
				map[string]interface{}{"error": err.Error()})
		}
		if head != commitSHA {
			return gateErr(domain.ReasonMergeConflict, "head_sha_changed_during_checks",
				map[string]interface{}{"expected_sha": commitSHA, "actual_sha": head, "after_check": spec.Name})
		}
	}
	return nil
}

func (g *Gate) runOneCheck(ctx context.Context, q *repository.Queries, runID, worktreePath, commitSHA, traceID string, spec config.CheckSpec) error {
	outputPath := g.checkLogPath(runID, spec.Name)
	started := time.Now()

	res, err := g.sup.Run(ctx, execx.Options{
		Argv:       strings.Fields(spec.Command),
		Dir:        worktreePath,
		Timeout:    spec.Timeout,
		OutputPath: outputPath,
		EnvOverlay: map[string]string{
			"RUN_ID":     runID,
			"TRACE_ID":   traceID,
			"COMMIT_SHA": commitSHA,
			"CHECK_NAME": spec.Name,
		},
	})
	if err != nil {
		return gateErr(domain.ReasonChecksFailed, "merge_gate_check_errored",
			map[string]interface{}{"check_name": spec.Name, "error": err.Error()})
	}

	status := "passed"
	switch {
	case res.TimedOut:
		status = "timed_out"
	case res.Failed():
		status = "failed"
	}
	if _, err := q.InsertValidationCheck(ctx, repository.InsertValidationCheckParams{
		RunID:       runID,
		CheckName:   "merge_gate:" + spec.Name,
		Status:      status,
		StartedAt:   started.UTC(),
		EndedAt:     pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true},
		ArtifactURI: pgtype.Text{String: outputPath, Valid: true},
	}); err != nil {
		logger.Error("merge gate check record failed", zap.Error(err))
	}
	if _, err := q.InsertRunArtifact(ctx, repository.InsertRunArtifactParams{
		RunID:        runID,
		ArtifactType: "merge_gate_check_log",
		ArtifactURI:  outputPath,
		Metadata:     map[string]interface{}{"check_name": spec.Name},
	}); err != nil {
		logger.Error("merge gate artifact record failed", zap.Error(err))
	}
	if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     runID,
		EventType: domain.EventMergeGateCheckFinished,
		Payload: map[string]interface{}{
			"check_name":     spec.Name,
			"status":         status,
			"exit_code":      res.ExitCode,
			"timed_out":      res.TimedOut,
			"duration_ms":    res.Duration.Milliseconds(),
			"commit_sha":     commitSHA,
			"output_excerpt": res.OutputExcerpt,
		},
		AuditAction: domain.AuditRunFinalCheckCompleted,
	}); err != nil {
		logger.Error("merge gate check event failed", zap.Error(err))
	}

	if res.TimedOut {
		return gateErr(domain.ReasonAgentTimeout, "merge_gate_check_timed_out",
			map[string]interface{}{"check_name": spec.Name, "timeout_seconds": int(spec.Timeout.Seconds())})
	}
	if res.Failed() {
		return gateErr(domain.ReasonChecksFailed, "merge_gate_check_failed",
			map[string]interface{}{"check_name": spec.Name, "exit_code": res.ExitCode})
	}
	return nil
}
