// Package worker drives claimed runs through the execution pipeline: claim,
// preview reset, agent execution, auto-commit, validation checks, publish,
// probe, preview_ready.
//
// Claiming is queue-ordered and concurrency-safe: the oldest queued run is
// locked with SKIP LOCKED and the slot lease is acquired in the same
// transaction, so a run never leaves queued without holding a slot.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/config"
	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/eventlog"
	"codexplane.io/controlplane/internal/execx"
	"codexplane.io/controlplane/internal/gitx"
	"codexplane.io/controlplane/internal/pkg/logger"
	workerpool "codexplane.io/controlplane/internal/pkg/worker"
	"codexplane.io/controlplane/internal/preview"
	"codexplane.io/controlplane/internal/repository"
	"codexplane.io/controlplane/internal/slots"
	"codexplane.io/controlplane/internal/worktree"
)

// Orchestrator executes queued runs end to end.
type Orchestrator struct {
	cfg       *config.Config
	pool      *pgxpool.Pool
	slots     *slots.Manager
	worktrees *worktree.Manager
	git       *gitx.Client
	previews  *preview.Service
	sup       *execx.Supervisor
	pools     *workerpool.Pools
}

// NewOrchestrator wires the orchestrator. The supervisor carries the worker
// command policy; git uses its own.
func NewOrchestrator(
	cfg *config.Config,
	pool *pgxpool.Pool,
	slotMgr *slots.Manager,
	worktreeMgr *worktree.Manager,
	git *gitx.Client,
	previews *preview.Service,
	sup *execx.Supervisor,
	pools *workerpool.Pools,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		pool:      pool,
		slots:     slotMgr,
		worktrees: worktreeMgr,
		git:       git,
		previews:  previews,
		sup:       sup,
		pools:     pools,
	}
}

// claimedRun is the state handed from the claim transaction to the pipeline.
type claimedRun struct {
	Run          repository.Run
	SlotID       string
	BranchName   string
	WorktreePath string
	TraceID      string
}

// Run polls the queue until the context ends. Claimed runs execute on the
// exec pool; the poll loop itself never blocks on a run.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Worker.RunPoll())
	defer ticker.Stop()

	logger.Info("worker orchestrator started",
		zap.Duration("poll_interval", o.cfg.Worker.RunPoll()),
		zap.Int("pool_size", o.cfg.Worker.PoolSize),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker orchestrator stopped")
			return
		case <-ticker.C:
		}

		if o.pools.Exec.Free() <= 0 {
			continue
		}

		claimed, err := o.claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("run claim failed", zap.Error(err))
			}
			continue
		}
		if claimed == nil {
			continue
		}

		c := claimed
		if err := o.pools.SubmitDetached("exec", func(taskCtx context.Context) {
			o.process(taskCtx, c)
		}); err != nil {
			logger.Error("run execution submit failed",
				zap.String("run_id", c.Run.ID), zap.Error(err))
		}
	}
}

// claim locks the oldest queued run, acquires a slot lease, moves the run to
// planning, and binds the slot's worktree, all in one transaction. Returns
// nil when the queue is empty or every slot is occupied.
func (o *Orchestrator) claim(ctx context.Context) (*claimedRun, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	q := repository.New(tx)

	run, err := q.OldestQueuedRunForUpdate(ctx)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock queued run: %w", err)
	}

	acquire, err := o.slots.AcquireTx(ctx, q, run.ID)
	if err != nil {
		return nil, fmt.Errorf("acquire slot for %s: %w", run.ID, err)
	}
	if !acquire.Acquired {
		// The run stays queued; the slot_waiting event is committed.
		return nil, tx.Commit(ctx)
	}

	traceID, err := o.ensureTraceID(ctx, q, run.ID)
	if err != nil {
		return nil, err
	}

	if _, err := q.UpdateRunStatus(ctx, run.ID, string(domain.StatePlanning)); err != nil {
		return nil, fmt.Errorf("move run %s to planning: %w", run.ID, err)
	}
	if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:      run.ID,
		EventType:  domain.EventStatusTransition,
		StatusFrom: domain.StateQueued,
		StatusTo:   domain.StatePlanning,
		Payload: map[string]interface{}{
			"source":   "worker",
			"phase":    "claim",
			"slot_id":  acquire.SlotID,
			"trace_id": traceID,
		},
	}); err != nil {
		return nil, err
	}

	assign, err := o.worktrees.AssignTx(ctx, q, acquire.SlotID, run.ID)
	if err != nil {
		// The claim rolls back and the run stays queued. A persistent
		// assignment failure is converted to a failed run so the queue
		// does not wedge on it.
		_ = tx.Rollback(ctx)
		o.failQueuedRunAfterClaimError(ctx, run.ID, err)
		return nil, fmt.Errorf("assign worktree for %s: %w", run.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}

	logger.Info("run claimed",
		zap.String("run_id", run.ID),
		zap.String("slot_id", acquire.SlotID),
		zap.String("branch_name", assign.BranchName),
		zap.Bool("worktree_reused", assign.Reused),
	)
	return &claimedRun{
		Run:          run,
		SlotID:       acquire.SlotID,
		BranchName:   assign.BranchName,
		WorktreePath: assign.WorktreePath,
		TraceID:      traceID,
	}, nil
}

// ensureTraceID reads the run's trace id from its context metadata, minting
// and persisting one on first claim.
func (o *Orchestrator) ensureTraceID(ctx context.Context, q *repository.Queries, runID string) (string, error) {
	rc, err := q.GetRunContext(ctx, runID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("read run context %s: %w", runID, err)
	}
	if err == nil {
		if raw, ok := rc.Metadata["trace_id"].(string); ok && raw != "" {
			return raw, nil
		}
	}

	traceID := newTraceID()
	if err := q.MergeRunContextMetadata(ctx, runID, map[string]interface{}{"trace_id": traceID}); err != nil {
		return "", fmt.Errorf("persist trace id for %s: %w", runID, err)
	}
	return traceID, nil
}

// failQueuedRunAfterClaimError finalizes a run whose claim could not complete
// (worktree assignment failed after the lease was acquired in the rolled-back
// transaction).
func (o *Orchestrator) failQueuedRunAfterClaimError(ctx context.Context, runID string, cause error) {
	detail := map[string]interface{}{"detail": "worktree_assignment_failed", "error": cause.Error()}
	if err := o.failRun(ctx, runID, "", domain.ReasonUnknownError, detail); err != nil {
		logger.Error("failed to finalize run after claim error",
			zap.String("run_id", runID), zap.Error(err))
	}
}

// envOverlay builds the per-run subprocess environment overlay.
func (o *Orchestrator) envOverlay(c *claimedRun, commitSHA, checkName string) map[string]string {
	overlay := map[string]string{
		"RUN_ID":   c.Run.ID,
		"SLOT_ID":  c.SlotID,
		"TRACE_ID": c.TraceID,
	}
	if commitSHA != "" {
		overlay["COMMIT_SHA"] = commitSHA
	}
	if checkName != "" {
		overlay["CHECK_NAME"] = checkName
	}
	return overlay
}

// codexArgv assembles the agent command line.
func codexArgv(bin, args, worktreePath, prompt string) []string {
	argv := []string{bin}
	argv = append(argv, strings.Fields(args)...)
	argv = append(argv, "--cd", worktreePath, prompt)
	return argv
}

func newTraceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "trace-" + uuid.New().String()
	}
	return "trace-" + id.String()
}
