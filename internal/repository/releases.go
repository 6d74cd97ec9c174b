package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

// UpsertReleaseParams records one merge to trunk.
type UpsertReleaseParams struct {
	ReleaseID       string
	CommitSHA       string
	MigrationMarker pgtype.Text
	Status          string
}

// UpsertRelease inserts a release row. A repeated release id updates the
// status but keeps the first deployed_at.
func (q *Queries) UpsertRelease(ctx context.Context, arg UpsertReleaseParams) (Release, error) {
	var r Release
	err := q.db.QueryRow(ctx, `
		INSERT INTO releases (release_id, commit_sha, migration_marker, status, deployed_at)
		VALUES ($1, $2, $3, $4, CASE WHEN $4 = 'deployed' THEN now() END)
		ON CONFLICT (release_id) DO UPDATE SET
			commit_sha = EXCLUDED.commit_sha,
			status = EXCLUDED.status,
			deployed_at = COALESCE(releases.deployed_at, EXCLUDED.deployed_at)
		RETURNING id, release_id, commit_sha, migration_marker, status, deployed_at`,
		arg.ReleaseID, arg.CommitSHA, arg.MigrationMarker, arg.Status,
	).Scan(&r.ID, &r.ReleaseID, &r.CommitSHA, &r.MigrationMarker, &r.Status, &r.DeployedAt)
	return r, err
}

// GetRelease fetches one release by its public release id.
func (q *Queries) GetRelease(ctx context.Context, releaseID string) (Release, error) {
	var r Release
	err := q.db.QueryRow(ctx, `
		SELECT id, release_id, commit_sha, migration_marker, status, deployed_at
		FROM releases WHERE release_id = $1`, releaseID,
	).Scan(&r.ID, &r.ReleaseID, &r.CommitSHA, &r.MigrationMarker, &r.Status, &r.DeployedAt)
	return r, err
}

// ListReleases returns releases, newest first.
func (q *Queries) ListReleases(ctx context.Context, limit int32) ([]Release, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, `
		SELECT id, release_id, commit_sha, migration_marker, status, deployed_at
		FROM releases
		ORDER BY id DESC
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Release
	for rows.Next() {
		var r Release
		if err := rows.Scan(&r.ID, &r.ReleaseID, &r.CommitSHA, &r.MigrationMarker, &r.Status, &r.DeployedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
