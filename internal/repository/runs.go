package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const runColumns = `id, title, prompt, status, route, slot_id, branch_name,
	worktree_path, commit_sha, parent_run_id, created_by, created_at, updated_at`

func scanRun(row interface{ Scan(dest ...interface{}) error }) (Run, error) {
	var r Run
	err := row.Scan(
		&r.ID, &r.Title, &r.Prompt, &r.Status, &r.Route, &r.SlotID,
		&r.BranchName, &r.WorktreePath, &r.CommitSHA, &r.ParentRunID,
		&r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

// CreateRunParams holds the insert payload for a new run.
type CreateRunParams struct {
	ID          string
	Title       string
	Prompt      string
	Status      string
	Route       string
	ParentRunID pgtype.Text
	CreatedBy   pgtype.Text
}

// CreateRun inserts a run in its initial state.
func (q *Queries) CreateRun(ctx context.Context, arg CreateRunParams) (Run, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO runs (id, title, prompt, status, route, parent_run_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+runColumns,
		arg.ID, arg.Title, arg.Prompt, arg.Status, arg.Route, arg.ParentRunID, arg.CreatedBy,
	)
	return scanRun(row)
}

// GetRun fetches a run by id.
func (q *Queries) GetRun(ctx context.Context, id string) (Run, error) {
	row := q.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

// GetRunForUpdate fetches a run under a row lock.
func (q *Queries) GetRunForUpdate(ctx context.Context, id string) (Run, error) {
	row := q.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, id)
	return scanRun(row)
}

// GetRunStatus reads only the status column, without locking. Used by the
// cooperative cancel probe while a subprocess runs.
func (q *Queries) GetRunStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := q.db.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&status)
	return status, err
}

// OldestQueuedRunForUpdate claims the oldest queued run, skipping rows locked
// by concurrent workers.
func (q *Queries) OldestQueuedRunForUpdate(ctx context.Context) (Run, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE status = 'queued'
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	return scanRun(row)
}

// ListRunsParams filters the run listing. Empty Status or Route disables that
// filter; Route matches the exact path plus descendant and ancestor paths.
type ListRunsParams struct {
	Status string
	Route  string
	Limit  int32
	Offset int32
}

const runRouteFilter = `($2 = '' OR route = $2 OR route LIKE $2 || '/%' OR $2 LIKE route || '/%')`

// ListRuns returns a page of runs, newest first.
func (q *Queries) ListRuns(ctx context.Context, arg ListRunsParams) ([]Run, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE ($1 = '' OR status = $1) AND `+runRouteFilter+`
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`,
		arg.Status, arg.Route, arg.Limit, arg.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRuns returns the total for the same filters as ListRuns.
func (q *Queries) CountRuns(ctx context.Context, status, route string) (int64, error) {
	var total int64
	err := q.db.QueryRow(ctx, `
		SELECT count(*) FROM runs
		WHERE ($1 = '' OR status = $1) AND `+runRouteFilter,
		status, route,
	).Scan(&total)
	return total, err
}

// UpdateRunStatus writes the new status and bumps updated_at.
func (q *Queries) UpdateRunStatus(ctx context.Context, id, status string) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE runs SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return tag.RowsAffected(), err
}

// SetRunSlot records the slot a run occupies.
func (q *Queries) SetRunSlot(ctx context.Context, id, slotID string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE runs SET slot_id = $2, updated_at = now() WHERE id = $1`, id, slotID)
	return err
}

// ClearRunSlot clears slot_id when it still points at the given slot.
func (q *Queries) ClearRunSlot(ctx context.Context, id, slotID string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE runs SET slot_id = NULL, updated_at = now() WHERE id = $1 AND slot_id = $2`,
		id, slotID)
	return err
}

// SetRunWorktree records the branch and worktree a run is bound to.
func (q *Queries) SetRunWorktree(ctx context.Context, id, slotID, branchName, worktreePath string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE runs
		SET slot_id = $2, branch_name = $3, worktree_path = $4, updated_at = now()
		WHERE id = $1`,
		id, slotID, branchName, worktreePath)
	return err
}

// ClearRunWorktree clears slot and worktree columns when they still point at
// the given binding.
func (q *Queries) ClearRunWorktree(ctx context.Context, id, slotID string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE runs
		SET slot_id = NULL, worktree_path = NULL, updated_at = now()
		WHERE id = $1 AND slot_id = $2`,
		id, slotID)
	return err
}

// SetRunCommitSHA persists the resolved commit for a run.
func (q *Queries) SetRunCommitSHA(ctx context.Context, id, sha string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE runs SET commit_sha = $2, updated_at = now() WHERE id = $1`, id, sha)
	return err
}

// CreateRunContextParams holds the request context captured at submission.
type CreateRunContextParams struct {
	RunID       string
	Route       string
	PageTitle   string
	ElementHint string
	Note        string
	Metadata    map[string]interface{}
}

// CreateRunContext inserts the one-to-one context row for a run.
func (q *Queries) CreateRunContext(ctx context.Context, arg CreateRunContextParams) error {
	if arg.Metadata == nil {
		arg.Metadata = map[string]interface{}{}
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO run_contexts (run_id, route, page_title, element_hint, note, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		arg.RunID, arg.Route, arg.PageTitle, arg.ElementHint, arg.Note, arg.Metadata)
	return err
}

// GetRunContext fetches the context row for a run.
func (q *Queries) GetRunContext(ctx context.Context, runID string) (RunContext, error) {
	var rc RunContext
	err := q.db.QueryRow(ctx, `
		SELECT run_id, route, page_title, element_hint, note, metadata, created_at
		FROM run_contexts WHERE run_id = $1`, runID,
	).Scan(&rc.RunID, &rc.Route, &rc.PageTitle, &rc.ElementHint, &rc.Note, &rc.Metadata, &rc.CreatedAt)
	return rc, err
}

// MergeRunContextMetadata merges the given keys into the metadata map.
func (q *Queries) MergeRunContextMetadata(ctx context.Context, runID string, metadata map[string]interface{}) error {
	_, err := q.db.Exec(ctx, `
		UPDATE run_contexts SET metadata = metadata || $2::jsonb WHERE run_id = $1`,
		runID, metadata)
	return err
}
