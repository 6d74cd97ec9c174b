package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

// InsertRunEventParams holds one append-only event row.
type InsertRunEventParams struct {
	RunID      string
	EventType  string
	StatusFrom pgtype.Text
	StatusTo   pgtype.Text
	Payload    map[string]interface{}
}

// InsertRunEvent appends an event and returns the assigned cursor id.
func (q *Queries) InsertRunEvent(ctx context.Context, arg InsertRunEventParams) (RunEvent, error) {
	if arg.Payload == nil {
		arg.Payload = map[string]interface{}{}
	}
	var ev RunEvent
	err := q.db.QueryRow(ctx, `
		INSERT INTO run_events (run_id, event_type, status_from, status_to, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, run_id, event_type, status_from, status_to, payload, created_at`,
		arg.RunID, arg.EventType, arg.StatusFrom, arg.StatusTo, arg.Payload,
	).Scan(&ev.ID, &ev.RunID, &ev.EventType, &ev.StatusFrom, &ev.StatusTo, &ev.Payload, &ev.CreatedAt)
	return ev, err
}

// ListRunEventsParams selects a window of a run's event stream.
type ListRunEventsParams struct {
	RunID      string
	SinceID    int64
	Descending bool
	Limit      int32
}

// ListRunEvents reads events with id > SinceID in the requested direction.
func (q *Queries) ListRunEvents(ctx context.Context, arg ListRunEventsParams) ([]RunEvent, error) {
	order := "ASC"
	if arg.Descending {
		order = "DESC"
	}
	limit := arg.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := q.db.Query(ctx, `
		SELECT id, run_id, event_type, status_from, status_to, payload, created_at
		FROM run_events
		WHERE run_id = $1 AND id > $2
		ORDER BY id `+order+`
		LIMIT $3`,
		arg.RunID, arg.SinceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var ev RunEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.EventType, &ev.StatusFrom, &ev.StatusTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LatestRunEventID returns the newest event id for a run, 0 when none exist.
func (q *Queries) LatestRunEventID(ctx context.Context, runID string) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx,
		`SELECT COALESCE(max(id), 0) FROM run_events WHERE run_id = $1`, runID,
	).Scan(&id)
	return id, err
}

// InsertAuditLogParams holds one append-only audit row.
type InsertAuditLogParams struct {
	ID          string
	ActorID     pgtype.Text
	Action      string
	PayloadHash string
	Payload     map[string]interface{}
}

// InsertAuditLog appends an audit record. Audit rows are never updated or
// deleted.
func (q *Queries) InsertAuditLog(ctx context.Context, arg InsertAuditLogParams) error {
	if arg.Payload == nil {
		arg.Payload = map[string]interface{}{}
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO audit_logs (id, actor_id, action, payload_hash, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		arg.ID, arg.ActorID, arg.Action, arg.PayloadHash, arg.Payload)
	return err
}
