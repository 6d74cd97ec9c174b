// Package worktree binds preview slots to git worktrees and run branches.
//
// The binding lifecycle is assign (or reuse), work, clean up. Assignment
// requires an active slot lease held by the requesting run; the binding is
// released when the run finishes or is cleaned up.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/eventlog"
	"codexplane.io/controlplane/internal/gitx"
	apperrors "codexplane.io/controlplane/internal/pkg/errors"
	"codexplane.io/controlplane/internal/pkg/logger"
	"codexplane.io/controlplane/internal/repository"
)

// Binding last_action values.
const (
	ActionAssigned  = "assigned"
	ActionReused    = "reused"
	ActionCleanedUp = "cleaned_up"
)

// Manager owns slot worktree bindings.
type Manager struct {
	pool         *pgxpool.Pool
	git          *gitx.Client
	slotIDs      map[string]bool
	slotOrder    []string
	worktreeRoot string
}

// NewManager creates a worktree binding manager rooted at worktreeRoot. One
// directory per slot id lives under the root.
func NewManager(pool *pgxpool.Pool, git *gitx.Client, slotIDs []string, worktreeRoot string) *Manager {
	set := make(map[string]bool, len(slotIDs))
	for _, id := range slotIDs {
		set[id] = true
	}
	return &Manager{
		pool:         pool,
		git:          git,
		slotIDs:      set,
		slotOrder:    append([]string(nil), slotIDs...),
		worktreeRoot: worktreeRoot,
	}
}

// AssignResult reports the outcome of an assign call.
type AssignResult struct {
	SlotID       string `json:"slot_id"`
	RunID        string `json:"run_id"`
	BranchName   string `json:"branch_name"`
	WorktreePath string `json:"worktree_path"`
	Reused       bool   `json:"reused"`
}

// CleanupResult reports the outcome of a cleanup call. Missing or foreign
// bindings are soft outcomes, not errors.
type CleanupResult struct {
	Cleaned bool   `json:"cleaned"`
	Reason  string `json:"reason,omitempty"` // no_active_binding | slot_bound_to_other_run
}

// BindingState is one row of the bindings listing.
type BindingState struct {
	SlotID       string     `json:"slot_id"`
	State        string     `json:"state"` // unbound | bound | released
	RunID        string     `json:"run_id,omitempty"`
	BranchName   string     `json:"branch_name,omitempty"`
	WorktreePath string     `json:"worktree_path,omitempty"`
	LastAction   string     `json:"last_action,omitempty"`
	ReleasedAt   *time.Time `json:"released_at,omitempty"`
}

// Contract describes the binding layout rules for API clients.
type Contract struct {
	SlotIDs          []string `json:"slot_ids"`
	WorktreeRoot     string   `json:"worktree_root"`
	WorktreeFormat   string   `json:"worktree_format"`
	BranchFormat     string   `json:"branch_format"`
	BindingLifecycle []string `json:"binding_lifecycle"`
}

// Contract reports the slot set and the path/branch naming conventions.
func (m *Manager) Contract() Contract {
	return Contract{
		SlotIDs:          append([]string(nil), m.slotOrder...),
		WorktreeRoot:     m.worktreeRoot,
		WorktreeFormat:   "<worktree_root>/<slot_id>",
		BranchFormat:     domain.BranchPrefix + "<run_id>",
		BindingLifecycle: []string{ActionAssigned, ActionReused, ActionCleanedUp},
	}
}

// Assign binds a slot to the run's branch and worktree in a fresh transaction.
func (m *Manager) Assign(ctx context.Context, slotID, runID string) (AssignResult, error) {
	var res AssignResult
	err := m.inTx(ctx, func(q *repository.Queries) error {
		var err error
		res, err = m.AssignTx(ctx, q, slotID, runID)
		return err
	})
	return res, err
}

// AssignTx binds a slot to the run inside the caller's transaction. The run
// must hold a live lease on the slot. When the slot's worktree is already
// checked out on the run's branch the binding is reused; a worktree left
// behind on another branch is removed first.
func (m *Manager) AssignTx(ctx context.Context, q *repository.Queries, slotID, runID string) (AssignResult, error) {
	if !m.slotIDs[slotID] {
		return AssignResult{}, apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "invalid slot id").
			WithParams(map[string]interface{}{"slot_id": slotID, "detail": "invalid_slot_id"})
	}

	branch, err := domain.BranchName(runID)
	if err != nil {
		return AssignResult{}, apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "run id is not branch-safe").
			WithParams(map[string]interface{}{"run_id": runID, "detail": "invalid_run_id_for_branch"})
	}

	run, err := q.GetRunForUpdate(ctx, runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AssignResult{}, apperrors.ErrRunNotFoundf(runID)
		}
		return AssignResult{}, fmt.Errorf("lock run %s: %w", runID, err)
	}

	if err := m.requireLiveLease(ctx, q, slotID, runID); err != nil {
		return AssignResult{}, err
	}

	// A run keeps at most one active binding.
	if existing, err := q.GetBindingByRun(ctx, runID); err == nil && existing.SlotID != slotID {
		return AssignResult{}, apperrors.Conflict(apperrors.CodeRunBoundElsewhere, "run already bound to another slot").
			WithParams(map[string]interface{}{"run_id": runID, "bound_slot_id": existing.SlotID})
	} else if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return AssignResult{}, fmt.Errorf("read run binding: %w", err)
	}

	if binding, err := q.GetBindingForUpdate(ctx, slotID); err == nil {
		if binding.BindingState == "active" && binding.RunID.Valid && binding.RunID.String != runID {
			return AssignResult{}, apperrors.Conflict(apperrors.CodeSlotOwnedElsewhere, "slot worktree bound to another run").
				WithParams(map[string]interface{}{"slot_id": slotID, "bound_run_id": binding.RunID.String})
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return AssignResult{}, fmt.Errorf("lock slot binding %s: %w", slotID, err)
	}

	if info, err := os.Stat(m.git.RepoRoot()); err != nil || !info.IsDir() {
		return AssignResult{}, apperrors.Internal(apperrors.CodeRepoRootMissing, "repository root not found").
			WithParams(map[string]interface{}{"repo_root": m.git.RepoRoot()})
	}

	path, err := m.worktreePath(slotID)
	if err != nil {
		return AssignResult{}, err
	}

	reused, err := m.ensureWorktree(ctx, path, branch)
	if err != nil {
		return AssignResult{}, err
	}

	action := ActionAssigned
	eventType := domain.EventWorktreeAssigned
	auditAction := domain.AuditWorktreeAssign
	if reused {
		action = ActionReused
		eventType = domain.EventWorktreeReused
		auditAction = domain.AuditWorktreeReuse
	}

	if _, err := q.UpsertActiveBinding(ctx, repository.UpsertActiveBindingParams{
		SlotID:       slotID,
		RunID:        runID,
		BranchName:   branch,
		WorktreePath: path,
		LastAction:   action,
	}); err != nil {
		return AssignResult{}, fmt.Errorf("upsert binding %s: %w", slotID, err)
	}
	if err := q.SetRunWorktree(ctx, runID, slotID, branch, path); err != nil {
		return AssignResult{}, fmt.Errorf("link run %s to worktree: %w", runID, err)
	}

	if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     runID,
		EventType: eventType,
		Payload: map[string]interface{}{
			"slot_id":       slotID,
			"branch_name":   branch,
			"worktree_path": path,
			"run_status":    run.Status,
		},
		AuditAction: auditAction,
	}); err != nil {
		return AssignResult{}, err
	}

	return AssignResult{
		SlotID:       slotID,
		RunID:        runID,
		BranchName:   branch,
		WorktreePath: path,
		Reused:       reused,
	}, nil
}

// Cleanup releases a slot's worktree binding in a fresh transaction.
func (m *Manager) Cleanup(ctx context.Context, slotID, runID string) (CleanupResult, error) {
	var res CleanupResult
	err := m.inTx(ctx, func(q *repository.Queries) error {
		var err error
		res, err = m.CleanupTx(ctx, q, slotID, runID)
		return err
	})
	return res, err
}

// CleanupTx removes the slot's worktree and releases the binding inside the
// caller's transaction. A missing binding or a binding held by another run is
// reported as a soft outcome so finalization paths stay idempotent.
func (m *Manager) CleanupTx(ctx context.Context, q *repository.Queries, slotID, runID string) (CleanupResult, error) {
	if !m.slotIDs[slotID] {
		return CleanupResult{}, apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "invalid slot id").
			WithParams(map[string]interface{}{"slot_id": slotID, "detail": "invalid_slot_id"})
	}

	binding, err := q.GetBindingForUpdate(ctx, slotID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CleanupResult{Cleaned: false, Reason: "no_active_binding"}, nil
		}
		return CleanupResult{}, fmt.Errorf("lock slot binding %s: %w", slotID, err)
	}
	if binding.BindingState != "active" {
		return CleanupResult{Cleaned: false, Reason: "no_active_binding"}, nil
	}
	boundRunID := ""
	if binding.RunID.Valid {
		boundRunID = binding.RunID.String
	}
	if runID != "" && boundRunID != runID {
		return CleanupResult{Cleaned: false, Reason: "slot_bound_to_other_run"}, nil
	}

	// Worktree removal is best effort; the binding row is the source of truth.
	worktreePath := ""
	if binding.WorktreePath.Valid {
		worktreePath = binding.WorktreePath.String
	}
	if worktreePath != "" {
		if err := m.git.WorktreeRemove(ctx, worktreePath); err != nil {
			logger.Warn("worktree remove failed during cleanup",
				zap.String("slot_id", slotID),
				zap.String("worktree_path", worktreePath),
				zap.Error(err),
			)
		}
	}

	if _, err := q.ReleaseBinding(ctx, slotID, ActionCleanedUp); err != nil {
		return CleanupResult{}, fmt.Errorf("release binding %s: %w", slotID, err)
	}
	if boundRunID != "" {
		if err := q.ClearRunWorktree(ctx, boundRunID, slotID); err != nil {
			return CleanupResult{}, fmt.Errorf("clear run worktree: %w", err)
		}
	}

	branchName := ""
	if binding.BranchName.Valid {
		branchName = binding.BranchName.String
	}
	if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     boundRunID,
		EventType: domain.EventWorktreeCleaned,
		Payload: map[string]interface{}{
			"slot_id":       slotID,
			"branch_name":   branchName,
			"worktree_path": worktreePath,
		},
		AuditAction: domain.AuditWorktreeCleanup,
	}); err != nil {
		return CleanupResult{}, err
	}
	return CleanupResult{Cleaned: true}, nil
}

// DeleteRunBranchTx force-deletes the run's branch and records the deletion.
// A branch that never existed or cannot be deleted is a soft outcome.
func (m *Manager) DeleteRunBranchTx(ctx context.Context, q *repository.Queries, runID string) (bool, error) {
	branch, err := domain.BranchName(runID)
	if err != nil {
		return false, nil
	}
	exists, err := m.git.BranchExists(ctx, branch)
	if err != nil || !exists {
		return false, nil
	}
	if err := m.git.DeleteBranch(ctx, branch); err != nil {
		logger.Warn("run branch delete failed",
			zap.String("run_id", runID),
			zap.String("branch_name", branch),
			zap.Error(err),
		)
		return false, nil
	}
	_, err = eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     runID,
		EventType: domain.EventRunBranchDeleted,
		Payload:   map[string]interface{}{"branch_name": branch},
	})
	return true, err
}

// ListBindings returns the binding state of every configured slot.
func (m *Manager) ListBindings(ctx context.Context) ([]BindingState, error) {
	q := repository.New(m.pool)
	bindings, err := q.ListBindings(ctx, m.slotOrder)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}

	byID := make(map[string]repository.SlotWorktreeBinding, len(bindings))
	for _, b := range bindings {
		byID[b.SlotID] = b
	}

	out := make([]BindingState, 0, len(m.slotOrder))
	for _, slotID := range m.slotOrder {
		b, ok := byID[slotID]
		if !ok {
			out = append(out, BindingState{SlotID: slotID, State: "unbound"})
			continue
		}
		state := BindingState{
			SlotID:     slotID,
			State:      "released",
			LastAction: b.LastAction,
		}
		if b.RunID.Valid {
			state.RunID = b.RunID.String
		}
		if b.BranchName.Valid {
			state.BranchName = b.BranchName.String
		}
		if b.WorktreePath.Valid {
			state.WorktreePath = b.WorktreePath.String
		}
		if b.BindingState == "active" {
			state.State = "bound"
		}
		if b.ReleasedAt.Valid {
			t := b.ReleasedAt.Time
			state.ReleasedAt = &t
		}
		out = append(out, state)
	}
	return out, nil
}

// requireLiveLease verifies the run holds a live lease on the slot.
func (m *Manager) requireLiveLease(ctx context.Context, q *repository.Queries, slotID, runID string) error {
	lease, err := q.GetSlotLease(ctx, slotID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return apperrors.Conflict(apperrors.CodeLeaseRequired, "slot has no active lease").
				WithParams(map[string]interface{}{"slot_id": slotID})
		}
		return fmt.Errorf("read slot lease %s: %w", slotID, err)
	}
	now := time.Now().UTC()
	live := lease.LeaseState == "leased" && lease.ExpiresAt.Valid && lease.ExpiresAt.Time.After(now)
	if !live {
		return apperrors.Conflict(apperrors.CodeLeaseRequired, "slot lease is not active").
			WithParams(map[string]interface{}{"slot_id": slotID, "lease_state": lease.LeaseState})
	}
	if !lease.RunID.Valid || lease.RunID.String != runID {
		owner := ""
		if lease.RunID.Valid {
			owner = lease.RunID.String
		}
		return apperrors.Conflict(apperrors.CodeSlotOwnedElsewhere, "slot leased by another run").
			WithParams(map[string]interface{}{"slot_id": slotID, "lease_run_id": owner})
	}
	return nil
}

// worktreePath resolves the slot's worktree directory and rejects paths that
// escape the worktree root.
func (m *Manager) worktreePath(slotID string) (string, error) {
	rootAbs, err := filepath.Abs(m.worktreeRoot)
	if err != nil {
		return "", apperrors.Internal(apperrors.CodeWorktreeEscape, "worktree root not resolvable").
			WithParams(map[string]interface{}{"worktree_root": m.worktreeRoot})
	}
	path := filepath.Join(rootAbs, slotID)
	if path != rootAbs && !strings.HasPrefix(path, rootAbs+string(filepath.Separator)) {
		return "", apperrors.Internal(apperrors.CodeWorktreeEscape, "worktree path escapes root").
			WithParams(map[string]interface{}{"slot_id": slotID, "worktree_path": path})
	}
	return path, nil
}

// ensureWorktree makes path a worktree checked out on branch. Returns true
// when an existing worktree on the same branch was reused.
func (m *Manager) ensureWorktree(ctx context.Context, path, branch string) (bool, error) {
	entries, err := m.git.WorktreeList(ctx)
	if err != nil {
		return false, wrapGitError(err, "worktree list")
	}

	var existing *gitx.WorktreeEntry
	for i := range entries {
		if samePath(entries[i].Path, path) {
			existing = &entries[i]
		} else if entries[i].Branch == branch {
			// The branch is checked out somewhere else; git refuses a second
			// checkout and the state is ambiguous.
			return false, apperrors.Conflict(apperrors.CodeBranchConflict, "branch checked out in another worktree").
				WithParams(map[string]interface{}{"branch_name": branch, "worktree_path": entries[i].Path})
		}
	}

	if existing != nil {
		if existing.Branch == branch {
			return true, nil
		}
		if err := m.git.WorktreeRemove(ctx, existing.Path); err != nil {
			return false, wrapGitError(err, "worktree remove")
		}
	}

	exists, err := m.git.BranchExists(ctx, branch)
	if err != nil {
		return false, wrapGitError(err, "branch lookup")
	}
	if !exists {
		if err := m.git.CreateBranch(ctx, branch); err != nil {
			return false, wrapGitError(err, "branch create")
		}
	}
	if err := m.git.WorktreeAdd(ctx, path, branch); err != nil {
		return false, wrapGitError(err, "worktree add")
	}
	return false, nil
}

func (m *Manager) inTx(ctx context.Context, fn func(q *repository.Queries) error) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin worktree tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(repository.New(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func wrapGitError(err error, op string) error {
	return apperrors.Wrap(err, apperrors.CodeGitCommandFailed, op+" failed", http.StatusConflict)
}

func samePath(a, b string) bool {
	aa, err := filepath.Abs(a)
	if err != nil {
		aa = a
	}
	bb, err := filepath.Abs(b)
	if err != nil {
		bb = b
	}
	return filepath.Clean(aa) == filepath.Clean(bb)
}
