package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/config"
	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/eventlog"
	"codexplane.io/controlplane/internal/execx"
	"codexplane.io/controlplane/internal/pkg/logger"
	"codexplane.io/controlplane/internal/preview"
	"codexplane.io/controlplane/internal/repository"
)

// Sentinels raised when a transition lock observes a run already finalized
// from outside the pipeline.
var (
	errRunCanceled = errors.New("run canceled")
	errRunExpired  = errors.New("run expired")
)

// outcome classifies a supervised subprocess result. Classification order is
// fixed: canceled wins over lease expiry, which wins over timeout, which wins
// over a plain nonzero exit.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeCanceled
	outcomeLeaseExpired
	outcomeTimedOut
	outcomeFailed
)

func classify(res execx.Result) outcome {
	switch {
	case res.Canceled:
		return outcomeCanceled
	case res.LeaseExpired:
		return outcomeLeaseExpired
	case res.TimedOut:
		return outcomeTimedOut
	case res.ExitCode != 0:
		return outcomeFailed
	}
	return outcomeOK
}

// checkStatus maps a classified outcome to the recorded check status.
func checkStatus(o outcome) string {
	switch o {
	case outcomeOK:
		return "passed"
	case outcomeCanceled:
		return "canceled"
	case outcomeLeaseExpired:
		return "expired"
	case outcomeTimedOut:
		return "timed_out"
	}
	return "failed"
}

// checkFailureReason maps a finalizing check outcome to the run failure
// reason. A timed-out check fails with AGENT_TIMEOUT, which keeps the run
// resumable.
func checkFailureReason(o outcome) domain.FailureReasonCode {
	if o == outcomeTimedOut {
		return domain.ReasonAgentTimeout
	}
	return domain.ReasonChecksFailed
}

// process runs the pipeline for one claimed run. Every exit path finalizes
// the run: a status, a released or expired lease, and a cleaned worktree.
func (o *Orchestrator) process(ctx context.Context, c *claimedRun) {
	log := logger.WithRun(c.Run.ID, c.TraceID)

	if err := o.previews.ResetDB(ctx, c.Run.ID, c.SlotID, o.envOverlay(c, "", "")); err != nil {
		var resetErr *preview.ResetError
		if errors.As(err, &resetErr) {
			o.finalizeFailed(ctx, c, domain.ReasonMigrationFailed, map[string]interface{}{
				"detail":  "preview_db_reset_failed",
				"db_name": resetErr.DbName,
			})
			return
		}
		log.Error("preview db reset errored", zap.Error(err))
		o.finalizeFailed(ctx, c, domain.ReasonUnknownError, map[string]interface{}{
			"detail": "preview_db_reset_error",
			"error":  err.Error(),
		})
		return
	}

	// Cancellation gate before the agent starts: a run canceled while queued
	// or claiming never executes.
	if canceled, err := o.runCanceled(ctx, c.Run.ID); err != nil {
		log.Error("cancel gate read failed", zap.Error(err))
	} else if canceled {
		o.skipCanceledBeforeExecution(ctx, c)
		return
	}

	if ok := o.mustTransition(ctx, c, domain.StateEditing, map[string]interface{}{
		"source": "worker",
		"phase":  "agent",
	}); !ok {
		return
	}

	agentRes, err := o.runAgent(ctx, c)
	if err != nil {
		log.Error("agent execution errored", zap.Error(err))
		o.finalizeFailed(ctx, c, domain.ReasonUnknownError, map[string]interface{}{
			"detail": "agent_execution_error",
			"error":  err.Error(),
		})
		return
	}

	switch classify(agentRes) {
	case outcomeCanceled:
		o.finalizeCanceled(ctx, c, true)
		return
	case outcomeLeaseExpired:
		o.finalizeExpired(ctx, c)
		return
	case outcomeTimedOut:
		o.finalizeFailed(ctx, c, domain.ReasonAgentTimeout, map[string]interface{}{
			"detail":          "agent_timed_out",
			"timeout_seconds": int(o.cfg.Worker.RunTimeout().Seconds()),
			"output_excerpt":  agentRes.OutputExcerpt,
		})
		return
	case outcomeFailed:
		o.finalizeFailed(ctx, c, domain.ReasonUnknownError, map[string]interface{}{
			"detail":         "agent_nonzero_exit",
			"exit_code":      agentRes.ExitCode,
			"output_excerpt": agentRes.OutputExcerpt,
		})
		return
	}

	commitSHA, err := o.autoCommit(ctx, c)
	if err != nil {
		o.finalizeFailed(ctx, c, domain.ReasonUnknownError, map[string]interface{}{
			"detail": "commit_required_for_detected_changes",
			"error":  err.Error(),
		})
		return
	}

	if ok := o.mustTransition(ctx, c, domain.StateTesting, map[string]interface{}{
		"source":     "worker",
		"phase":      "validate",
		"commit_sha": commitSHA,
	}); !ok {
		return
	}

	checkNames, done := o.runChecks(ctx, c, commitSHA)
	if done {
		return
	}

	if err := o.previews.Publish(ctx, c.Run.ID, c.SlotID, c.WorktreePath, o.envOverlay(c, commitSHA, "")); err != nil {
		var pubErr *preview.PublishError
		if errors.As(err, &pubErr) {
			o.finalizeFailed(ctx, c, domain.ReasonPreviewPublishFailed, map[string]interface{}{
				"detail":  "publish_step_failed",
				"step":    pubErr.Step,
				"log_uri": pubErr.LogURI,
			})
			return
		}
		log.Error("preview publish errored", zap.Error(err))
		o.finalizeFailed(ctx, c, domain.ReasonPreviewPublishFailed, map[string]interface{}{
			"detail": "publish_error",
			"error":  err.Error(),
		})
		return
	}

	if err := o.previews.ProbeSlot(ctx, c.Run.ID, c.SlotID); err != nil {
		var probeErr *preview.ProbeError
		detail := map[string]interface{}{"detail": "slot_probe_failed"}
		if errors.As(err, &probeErr) {
			detail["probe_detail"] = probeErr.Detail
		} else {
			detail["error"] = err.Error()
		}
		o.finalizeFailed(ctx, c, domain.ReasonChecksFailed, detail)
		return
	}

	if ok := o.mustTransition(ctx, c, domain.StatePreviewReady, map[string]interface{}{
		"source":          "worker",
		"result":          "ready_for_preview",
		"slot_id":         c.SlotID,
		"required_checks": checkNames,
	}); !ok {
		return
	}

	log.Info("run ready for preview",
		zap.String("slot_id", c.SlotID),
		zap.String("commit_sha", commitSHA),
	)
}

// runAgent executes the coding agent inside the run's worktree with the
// heartbeat tick and the cooperative cancel probe armed.
func (o *Orchestrator) runAgent(ctx context.Context, c *claimedRun) (execx.Result, error) {
	q := repository.New(o.pool)
	argv := codexArgv(o.cfg.Worker.CodexBin, o.cfg.Worker.CodexArgs, c.WorktreePath, c.Run.Prompt)
	outputPath := filepath.Join(o.cfg.Worker.ArtifactRoot, c.Run.ID, "codex_stdout.log")

	if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     c.Run.ID,
		EventType: domain.EventCodexCommandStarted,
		Payload: map[string]interface{}{
			"command":         argv[0],
			"arg_count":       len(argv) - 1,
			"timeout_seconds": int(o.cfg.Worker.RunTimeout().Seconds()),
			"worktree_path":   c.WorktreePath,
		},
	}); err != nil {
		return execx.Result{}, err
	}

	started := time.Now()
	res, err := o.sup.Run(ctx, execx.Options{
		Argv:                argv,
		Dir:                 c.WorktreePath,
		Timeout:             o.cfg.Worker.RunTimeout(),
		OutputPath:          outputPath,
		EnvOverlay:          o.envOverlay(c, "", ""),
		ShouldCancel:        o.cancelProbe(c.Run.ID),
		CancelCheckInterval: o.cfg.Worker.CancelCheck(),
		OnTick:              o.leaseTick(c),
		TickInterval:        o.cfg.Worker.Heartbeat(),
	})
	if err != nil {
		return execx.Result{}, err
	}

	if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     c.Run.ID,
		EventType: domain.EventCodexCommandFinished,
		Payload: map[string]interface{}{
			"exit_code":      res.ExitCode,
			"timed_out":      res.TimedOut,
			"canceled":       res.Canceled,
			"lease_expired":  res.LeaseExpired,
			"duration_ms":    res.Duration.Milliseconds(),
			"output_excerpt": res.OutputExcerpt,
		},
	}); err != nil {
		return execx.Result{}, err
	}

	// The agent transcript is always linked, whatever the outcome.
	if _, err := q.InsertRunArtifact(ctx, repository.InsertRunArtifactParams{
		RunID:        c.Run.ID,
		ArtifactType: "codex_stdout",
		ArtifactURI:  outputPath,
	}); err != nil {
		return execx.Result{}, fmt.Errorf("record agent artifact: %w", err)
	}
	if _, err := q.InsertValidationCheck(ctx, repository.InsertValidationCheckParams{
		RunID:       c.Run.ID,
		CheckName:   "codex_cli_execution",
		Status:      checkStatus(classify(res)),
		StartedAt:   started.UTC(),
		EndedAt:     pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true},
		ArtifactURI: pgtype.Text{String: outputPath, Valid: true},
	}); err != nil {
		return execx.Result{}, fmt.Errorf("record agent check: %w", err)
	}
	return res, nil
}

// autoCommit stages and commits the agent's changes, then resolves the run
// commit. Detected changes that cannot be committed fail the run; a clean
// tree resolves to the branch head.
func (o *Orchestrator) autoCommit(ctx context.Context, c *claimedRun) (string, error) {
	status, err := o.git.StatusPorcelain(ctx, c.WorktreePath)
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	changed := strings.TrimSpace(status) != ""

	if changed {
		if err := o.git.AddAll(ctx, c.WorktreePath); err != nil {
			return "", fmt.Errorf("stage changes: %w", err)
		}
		msg := fmt.Sprintf("Codex run %s: %s", c.Run.ID, c.Run.Title)
		if err := o.git.Commit(ctx, c.WorktreePath, msg); err != nil {
			return "", fmt.Errorf("commit changes: %w", err)
		}
	}

	sha, err := o.git.Head(ctx, c.WorktreePath)
	if err != nil {
		return "", fmt.Errorf("resolve head: %w", err)
	}

	q := repository.New(o.pool)
	if err := q.SetRunCommitSHA(ctx, c.Run.ID, sha); err != nil {
		return "", fmt.Errorf("persist commit sha: %w", err)
	}
	if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     c.Run.ID,
		EventType: domain.EventRunCommitResolved,
		Payload: map[string]interface{}{
			"commit_sha":       sha,
			"branch_name":      c.BranchName,
			"changes_detected": changed,
		},
	}); err != nil {
		return "", err
	}
	return sha, nil
}

// runChecks executes the configured validation checks in order, stopping at
// the first failure. Returns the check names and whether the run was
// finalized here.
func (o *Orchestrator) runChecks(ctx context.Context, c *claimedRun, commitSHA string) ([]string, bool) {
	specs, err := o.cfg.WorkerChecks()
	if err != nil {
		o.finalizeFailed(ctx, c, domain.ReasonChecksFailed, map[string]interface{}{
			"detail": "missing_check_command_configuration",
			"error":  err.Error(),
		})
		return nil, true
	}

	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}

	q := repository.New(o.pool)
	for _, spec := range specs {
		if done := o.runOneCheck(ctx, q, c, spec, commitSHA); done {
			return names, true
		}
	}
	return names, false
}

func (o *Orchestrator) runOneCheck(ctx context.Context, q *repository.Queries, c *claimedRun, spec config.CheckSpec, commitSHA string) bool {
	outputPath := filepath.Join(o.cfg.Worker.ArtifactRoot, c.Run.ID, "checks", spec.Name+".log")

	if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     c.Run.ID,
		EventType: domain.EventValidationStarted,
		Payload: map[string]interface{}{
			"check_name":      spec.Name,
			"timeout_seconds": int(spec.Timeout.Seconds()),
		},
	}); err != nil {
		logger.Error("validation start event failed", zap.Error(err))
	}

	started := time.Now()
	res, err := o.sup.Run(ctx, execx.Options{
		Argv:                strings.Fields(spec.Command),
		Dir:                 c.WorktreePath,
		Timeout:             spec.Timeout,
		OutputPath:          outputPath,
		EnvOverlay:          o.envOverlay(c, commitSHA, spec.Name),
		ShouldCancel:        o.cancelProbe(c.Run.ID),
		CancelCheckInterval: o.cfg.Worker.CancelCheck(),
		OnTick:              o.leaseTick(c),
		TickInterval:        o.cfg.Worker.Heartbeat(),
	})
	if err != nil {
		o.finalizeFailed(ctx, c, domain.ReasonUnknownError, map[string]interface{}{
			"detail":     "check_execution_error",
			"check_name": spec.Name,
			"error":      err.Error(),
		})
		return true
	}

	out := classify(res)
	status := checkStatus(out)
	if _, err := q.InsertValidationCheck(ctx, repository.InsertValidationCheckParams{
		RunID:       c.Run.ID,
		CheckName:   spec.Name,
		Status:      status,
		StartedAt:   started.UTC(),
		EndedAt:     pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true},
		ArtifactURI: pgtype.Text{String: outputPath, Valid: true},
	}); err != nil {
		logger.Error("validation check record failed", zap.Error(err))
	}
	if _, err := q.InsertRunArtifact(ctx, repository.InsertRunArtifactParams{
		RunID:        c.Run.ID,
		ArtifactType: "validation_check_log",
		ArtifactURI:  outputPath,
		Metadata:     map[string]interface{}{"check_name": spec.Name},
	}); err != nil {
		logger.Error("validation artifact record failed", zap.Error(err))
	}
	if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     c.Run.ID,
		EventType: domain.EventValidationFinished,
		Payload: map[string]interface{}{
			"check_name":     spec.Name,
			"status":         status,
			"exit_code":      res.ExitCode,
			"timed_out":      res.TimedOut,
			"duration_ms":    res.Duration.Milliseconds(),
			"output_excerpt": res.OutputExcerpt,
		},
	}); err != nil {
		logger.Error("validation finish event failed", zap.Error(err))
	}

	switch out {
	case outcomeOK:
		return false
	case outcomeCanceled:
		o.finalizeCanceled(ctx, c, true)
	case outcomeLeaseExpired:
		o.finalizeExpired(ctx, c)
	case outcomeTimedOut:
		o.finalizeFailed(ctx, c, checkFailureReason(out), map[string]interface{}{
			"detail":          "validation_check_timed_out",
			"check_name":      spec.Name,
			"timeout_seconds": int(spec.Timeout.Seconds()),
			"output_excerpt":  res.OutputExcerpt,
		})
	default:
		o.finalizeFailed(ctx, c, checkFailureReason(out), map[string]interface{}{
			"detail":         "validation_check_failed",
			"check_name":     spec.Name,
			"exit_code":      res.ExitCode,
			"output_excerpt": res.OutputExcerpt,
		})
	}
	return true
}

// cancelProbe polls the run status without locking.
func (o *Orchestrator) cancelProbe(runID string) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		canceled, err := o.runCanceled(ctx, runID)
		return canceled, err
	}
}

func (o *Orchestrator) runCanceled(ctx context.Context, runID string) (bool, error) {
	status, err := repository.New(o.pool).GetRunStatus(ctx, runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return status == string(domain.StateCanceled), nil
}

// leaseTick heartbeats the slot lease; a rejected heartbeat terminates the
// subprocess with the lease-expired variant.
func (o *Orchestrator) leaseTick(c *claimedRun) func(ctx context.Context) execx.TickSignal {
	return func(ctx context.Context) execx.TickSignal {
		hb, err := o.slots.Heartbeat(ctx, c.SlotID, c.Run.ID)
		if err != nil {
			logger.Warn("lease heartbeat errored",
				zap.String("run_id", c.Run.ID),
				zap.String("slot_id", c.SlotID),
				zap.Error(err),
			)
			return execx.TickOK
		}
		if !hb.OK {
			return execx.TickLeaseExpired
		}
		return execx.TickOK
	}
}
