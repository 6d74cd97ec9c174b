package repository

import (
	"context"
	"time"
)

func scanSlotLease(row interface{ Scan(dest ...interface{}) error }) (SlotLease, error) {
	var l SlotLease
	err := row.Scan(&l.SlotID, &l.RunID, &l.LeaseState, &l.LeasedAt, &l.ExpiresAt, &l.HeartbeatAt)
	return l, err
}

const slotLeaseColumns = `slot_id, run_id, lease_state, leased_at, expires_at, heartbeat_at`

// LockSlotLeases reads every lease row for the configured slot set under a
// row lock, in the configured acquisition order.
func (q *Queries) LockSlotLeases(ctx context.Context, slotIDs []string) ([]SlotLease, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+slotLeaseColumns+`
		FROM slot_leases
		WHERE slot_id = ANY($1)
		ORDER BY array_position($1, slot_id)
		FOR UPDATE`,
		slotIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SlotLease
	for rows.Next() {
		l, err := scanSlotLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetSlotLeaseForUpdate reads one lease row under a row lock.
func (q *Queries) GetSlotLeaseForUpdate(ctx context.Context, slotID string) (SlotLease, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+slotLeaseColumns+` FROM slot_leases WHERE slot_id = $1 FOR UPDATE`, slotID)
	return scanSlotLease(row)
}

// GetSlotLease reads one lease row without locking.
func (q *Queries) GetSlotLease(ctx context.Context, slotID string) (SlotLease, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+slotLeaseColumns+` FROM slot_leases WHERE slot_id = $1`, slotID)
	return scanSlotLease(row)
}

// ListSlotLeases reads the lease rows for the configured slot set.
func (q *Queries) ListSlotLeases(ctx context.Context, slotIDs []string) ([]SlotLease, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+slotLeaseColumns+`
		FROM slot_leases
		WHERE slot_id = ANY($1)
		ORDER BY array_position($1, slot_id)`,
		slotIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SlotLease
	for rows.Next() {
		l, err := scanSlotLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpsertLeasedSlot writes a live lease for the given slot and owner.
func (q *Queries) UpsertLeasedSlot(ctx context.Context, slotID, runID string, expiresAt time.Time) (SlotLease, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO slot_leases (slot_id, run_id, lease_state, leased_at, expires_at, heartbeat_at)
		VALUES ($1, $2, 'leased', now(), $3, now())
		ON CONFLICT (slot_id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			lease_state = 'leased',
			leased_at = now(),
			expires_at = EXCLUDED.expires_at,
			heartbeat_at = now()
		RETURNING `+slotLeaseColumns,
		slotID, runID, expiresAt,
	)
	return scanSlotLease(row)
}

// SetSlotLeaseState moves a lease to released or expired.
func (q *Queries) SetSlotLeaseState(ctx context.Context, slotID, state string) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE slot_leases SET lease_state = $2 WHERE slot_id = $1`, slotID, state)
	return tag.RowsAffected(), err
}

// RearmSlotLease extends a live lease and stamps the heartbeat.
func (q *Queries) RearmSlotLease(ctx context.Context, slotID string, expiresAt time.Time) (SlotLease, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE slot_leases
		SET expires_at = $2, heartbeat_at = now()
		WHERE slot_id = $1
		RETURNING `+slotLeaseColumns,
		slotID, expiresAt,
	)
	return scanSlotLease(row)
}
