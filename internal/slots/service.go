package slots

import (
	"context"
	"fmt"
	"time"

	"codexplane.io/controlplane/internal/repository"
)

// The methods below wrap the Tx variants in their own transaction for the
// HTTP surface and the periodic reaper. The worker claim path must use the
// Tx variants directly.

// Acquire acquires a slot for a run in a fresh transaction.
func (m *Manager) Acquire(ctx context.Context, runID string) (AcquireResult, error) {
	var res AcquireResult
	err := m.inTx(ctx, func(q *repository.Queries) error {
		var err error
		res, err = m.AcquireTx(ctx, q, runID)
		return err
	})
	return res, err
}

// Release releases a slot in a fresh transaction.
func (m *Manager) Release(ctx context.Context, slotID, runID string) (ReleaseResult, error) {
	var res ReleaseResult
	err := m.inTx(ctx, func(q *repository.Queries) error {
		var err error
		res, err = m.ReleaseTx(ctx, q, slotID, runID)
		return err
	})
	return res, err
}

// Heartbeat re-arms a lease in a fresh transaction.
func (m *Manager) Heartbeat(ctx context.Context, slotID, runID string) (HeartbeatResult, error) {
	var res HeartbeatResult
	err := m.inTx(ctx, func(q *repository.Queries) error {
		var err error
		res, err = m.HeartbeatTx(ctx, q, slotID, runID)
		return err
	})
	return res, err
}

// Reap expires stale leases in a fresh transaction.
func (m *Manager) Reap(ctx context.Context) (ReapResult, error) {
	var res ReapResult
	err := m.inTx(ctx, func(q *repository.Queries) error {
		var err error
		res, err = m.ReapTx(ctx, q)
		return err
	})
	return res, err
}

// ListStates returns the effective state of every configured slot.
func (m *Manager) ListStates(ctx context.Context) ([]SlotState, error) {
	q := repository.New(m.pool)
	leases, err := q.ListSlotLeases(ctx, m.slotIDs)
	if err != nil {
		return nil, fmt.Errorf("list slot leases: %w", err)
	}

	byID := make(map[string]repository.SlotLease, len(leases))
	for _, l := range leases {
		byID[l.SlotID] = l
	}

	now := time.Now().UTC()
	out := make([]SlotState, 0, len(m.slotIDs))
	for _, slotID := range m.slotIDs {
		l, ok := byID[slotID]
		if !ok {
			out = append(out, SlotState{SlotID: slotID, EffectiveState: "available"})
			continue
		}
		state := SlotState{SlotID: slotID, EffectiveState: l.LeaseState}
		if l.RunID.Valid {
			state.RunID = l.RunID.String
		}
		if l.LeasedAt.Valid {
			t := l.LeasedAt.Time
			state.LeasedAt = &t
		}
		if l.ExpiresAt.Valid {
			t := l.ExpiresAt.Time
			state.ExpiresAt = &t
		}
		if l.HeartbeatAt.Valid {
			t := l.HeartbeatAt.Time
			state.HeartbeatAt = &t
		}
		// A leased row past its deadline reads as expired even before a
		// reaper pass persists it.
		if l.LeaseState == LeaseStateLeased && l.ExpiresAt.Valid && !l.ExpiresAt.Time.After(now) {
			state.EffectiveState = LeaseStateExpired
		}
		if l.LeaseState == LeaseStateReleased {
			state.EffectiveState = LeaseStateReleased
		}
		out = append(out, state)
	}
	return out, nil
}

func (m *Manager) inTx(ctx context.Context, fn func(q *repository.Queries) error) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin slot tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(repository.New(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
