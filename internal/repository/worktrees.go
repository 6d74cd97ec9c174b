package repository

import (
	"context"
)

const bindingColumns = `slot_id, run_id, branch_name, worktree_path,
	binding_state, last_action, created_at, updated_at, released_at`

func scanBinding(row interface{ Scan(dest ...interface{}) error }) (SlotWorktreeBinding, error) {
	var b SlotWorktreeBinding
	err := row.Scan(&b.SlotID, &b.RunID, &b.BranchName, &b.WorktreePath,
		&b.BindingState, &b.LastAction, &b.CreatedAt, &b.UpdatedAt, &b.ReleasedAt)
	return b, err
}

// GetBindingForUpdate reads one binding row under a row lock.
func (q *Queries) GetBindingForUpdate(ctx context.Context, slotID string) (SlotWorktreeBinding, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+bindingColumns+` FROM slot_worktree_bindings WHERE slot_id = $1 FOR UPDATE`, slotID)
	return scanBinding(row)
}

// GetBindingByRun returns the active binding owned by a run, if any.
func (q *Queries) GetBindingByRun(ctx context.Context, runID string) (SlotWorktreeBinding, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+bindingColumns+`
		FROM slot_worktree_bindings
		WHERE run_id = $1 AND binding_state = 'active'`, runID)
	return scanBinding(row)
}

// ListBindings reads the binding rows for the configured slot set.
func (q *Queries) ListBindings(ctx context.Context, slotIDs []string) ([]SlotWorktreeBinding, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+bindingColumns+`
		FROM slot_worktree_bindings
		WHERE slot_id = ANY($1)
		ORDER BY array_position($1, slot_id)`,
		slotIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SlotWorktreeBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertActiveBindingParams binds a slot to a run's branch and worktree.
type UpsertActiveBindingParams struct {
	SlotID       string
	RunID        string
	BranchName   string
	WorktreePath string
	LastAction   string // assigned or reused
}

// UpsertActiveBinding writes an active binding row for the slot.
func (q *Queries) UpsertActiveBinding(ctx context.Context, arg UpsertActiveBindingParams) (SlotWorktreeBinding, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO slot_worktree_bindings
			(slot_id, run_id, branch_name, worktree_path, binding_state, last_action, updated_at)
		VALUES ($1, $2, $3, $4, 'active', $5, now())
		ON CONFLICT (slot_id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			branch_name = EXCLUDED.branch_name,
			worktree_path = EXCLUDED.worktree_path,
			binding_state = 'active',
			last_action = EXCLUDED.last_action,
			updated_at = now(),
			released_at = NULL
		RETURNING `+bindingColumns,
		arg.SlotID, arg.RunID, arg.BranchName, arg.WorktreePath, arg.LastAction,
	)
	return scanBinding(row)
}

// ReleaseBinding marks the binding released and stamps released_at.
func (q *Queries) ReleaseBinding(ctx context.Context, slotID, lastAction string) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE slot_worktree_bindings
		SET binding_state = 'released', last_action = $2, updated_at = now(), released_at = now()
		WHERE slot_id = $1`,
		slotID, lastAction)
	return tag.RowsAffected(), err
}
