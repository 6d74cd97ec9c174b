package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

// InsertApprovalParams records one approve/reject decision.
type InsertApprovalParams struct {
	RunID      string
	ReviewerID pgtype.Text
	Decision   string
	Reason     pgtype.Text
}

// InsertApproval appends an approval row.
func (q *Queries) InsertApproval(ctx context.Context, arg InsertApprovalParams) (Approval, error) {
	var a Approval
	err := q.db.QueryRow(ctx, `
		INSERT INTO approvals (run_id, reviewer_id, decision, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING id, run_id, reviewer_id, decision, reason, created_at`,
		arg.RunID, arg.ReviewerID, arg.Decision, arg.Reason,
	).Scan(&a.ID, &a.RunID, &a.ReviewerID, &a.Decision, &a.Reason, &a.CreatedAt)
	return a, err
}

// ListApprovals returns a run's decisions in order.
func (q *Queries) ListApprovals(ctx context.Context, runID string) ([]Approval, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, run_id, reviewer_id, decision, reason, created_at
		FROM approvals
		WHERE run_id = $1
		ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		if err := rows.Scan(&a.ID, &a.RunID, &a.ReviewerID, &a.Decision, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
