package repository

import (
	"context"
)

// QueueDepth counts runs in pre-preview states (queued through testing).
func (q *Queries) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := q.db.QueryRow(ctx, `
		SELECT count(*) FROM runs
		WHERE status IN ('queued', 'planning', 'editing', 'testing')`,
	).Scan(&depth)
	return depth, err
}

// CountRunsByStatus returns run totals per status.
func (q *Queries) CountRunsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT status, count(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// TerminalDurationStats summarizes created→updated durations of terminal runs.
type TerminalDurationStats struct {
	AvgSeconds float64
	MaxSeconds float64
	SampleSize int64
}

// TerminalDurations computes duration statistics across terminal runs.
func (q *Queries) TerminalDurations(ctx context.Context) (TerminalDurationStats, error) {
	var s TerminalDurationStats
	err := q.db.QueryRow(ctx, `
		SELECT
			COALESCE(avg(EXTRACT(EPOCH FROM updated_at - created_at)), 0),
			COALESCE(max(EXTRACT(EPOCH FROM updated_at - created_at)), 0),
			count(*)
		FROM runs
		WHERE status IN ('merged', 'failed', 'canceled', 'expired')`,
	).Scan(&s.AvgSeconds, &s.MaxSeconds, &s.SampleSize)
	return s, err
}
