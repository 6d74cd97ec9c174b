package repository

import (
	"context"
)

// InsertRunArtifactParams records a produced artifact file.
type InsertRunArtifactParams struct {
	RunID        string
	ArtifactType string
	ArtifactURI  string
	Metadata     map[string]interface{}
}

// InsertRunArtifact appends an artifact row.
func (q *Queries) InsertRunArtifact(ctx context.Context, arg InsertRunArtifactParams) (RunArtifact, error) {
	if arg.Metadata == nil {
		arg.Metadata = map[string]interface{}{}
	}
	var a RunArtifact
	err := q.db.QueryRow(ctx, `
		INSERT INTO run_artifacts (run_id, artifact_type, artifact_uri, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, run_id, artifact_type, artifact_uri, metadata, created_at`,
		arg.RunID, arg.ArtifactType, arg.ArtifactURI, arg.Metadata,
	).Scan(&a.ID, &a.RunID, &a.ArtifactType, &a.ArtifactURI, &a.Metadata, &a.CreatedAt)
	return a, err
}

// ListRunArtifacts returns a run's artifacts, newest first.
func (q *Queries) ListRunArtifacts(ctx context.Context, runID string, limit int32) ([]RunArtifact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, `
		SELECT id, run_id, artifact_type, artifact_uri, metadata, created_at
		FROM run_artifacts
		WHERE run_id = $1
		ORDER BY id DESC
		LIMIT $2`,
		runID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunArtifact
	for rows.Next() {
		var a RunArtifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.ArtifactType, &a.ArtifactURI, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ArtifactLinkedToRun reports whether a URI belongs to the run via either a
// RunArtifact row or a ValidationCheck artifact. The content endpoint serves
// only linked URIs.
func (q *Queries) ArtifactLinkedToRun(ctx context.Context, runID, uri string) (bool, error) {
	var linked bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM run_artifacts WHERE run_id = $1 AND artifact_uri = $2
			UNION ALL
			SELECT 1 FROM validation_checks WHERE run_id = $1 AND artifact_uri = $2
		)`,
		runID, uri,
	).Scan(&linked)
	return linked, err
}
