package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

// InsertPreviewDbResetParams starts a reset attempt record.
type InsertPreviewDbResetParams struct {
	RunID           string
	SlotID          string
	DbName          string
	Strategy        string
	SeedVersion     pgtype.Text
	SnapshotVersion pgtype.Text
}

// InsertPreviewDbReset records a reset attempt in the running state.
func (q *Queries) InsertPreviewDbReset(ctx context.Context, arg InsertPreviewDbResetParams) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `
		INSERT INTO preview_db_resets (run_id, slot_id, db_name, strategy, seed_version, snapshot_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		arg.RunID, arg.SlotID, arg.DbName, arg.Strategy, arg.SeedVersion, arg.SnapshotVersion,
	).Scan(&id)
	return id, err
}

// FinishPreviewDbReset closes a reset attempt as completed or failed.
func (q *Queries) FinishPreviewDbReset(ctx context.Context, id int64, status string, details map[string]interface{}) error {
	if details == nil {
		details = map[string]interface{}{}
	}
	_, err := q.db.Exec(ctx, `
		UPDATE preview_db_resets
		SET reset_status = $2, reset_completed_at = now(), details = $3
		WHERE id = $1`,
		id, status, details)
	return err
}

// ListPreviewDbResets returns a run's reset attempts in order.
func (q *Queries) ListPreviewDbResets(ctx context.Context, runID string) ([]PreviewDbReset, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, run_id, slot_id, db_name, strategy, seed_version, snapshot_version,
			reset_status, reset_started_at, reset_completed_at, details
		FROM preview_db_resets
		WHERE run_id = $1
		ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PreviewDbReset
	for rows.Next() {
		var r PreviewDbReset
		if err := rows.Scan(&r.ID, &r.RunID, &r.SlotID, &r.DbName, &r.Strategy, &r.SeedVersion,
			&r.SnapshotVersion, &r.ResetStatus, &r.ResetStartedAt, &r.ResetCompletedAt, &r.Details); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
