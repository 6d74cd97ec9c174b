package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// InsertValidationCheckParams records one completed check execution.
type InsertValidationCheckParams struct {
	RunID       string
	CheckName   string
	Status      string
	StartedAt   time.Time
	EndedAt     pgtype.Timestamptz
	ArtifactURI pgtype.Text
}

// InsertValidationCheck appends a validation check row.
func (q *Queries) InsertValidationCheck(ctx context.Context, arg InsertValidationCheckParams) (ValidationCheck, error) {
	var c ValidationCheck
	err := q.db.QueryRow(ctx, `
		INSERT INTO validation_checks (run_id, check_name, status, started_at, ended_at, artifact_uri)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, run_id, check_name, status, started_at, ended_at, artifact_uri`,
		arg.RunID, arg.CheckName, arg.Status, arg.StartedAt, arg.EndedAt, arg.ArtifactURI,
	).Scan(&c.ID, &c.RunID, &c.CheckName, &c.Status, &c.StartedAt, &c.EndedAt, &c.ArtifactURI)
	return c, err
}

// ListValidationChecks returns a run's checks in execution order.
func (q *Queries) ListValidationChecks(ctx context.Context, runID string) ([]ValidationCheck, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, run_id, check_name, status, started_at, ended_at, artifact_uri
		FROM validation_checks
		WHERE run_id = $1
		ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ValidationCheck
	for rows.Next() {
		var c ValidationCheck
		if err := rows.Scan(&c.ID, &c.RunID, &c.CheckName, &c.Status, &c.StartedAt, &c.EndedAt, &c.ArtifactURI); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
