// Package slots implements the slot lease manager: bounded preview
// concurrency with TTL and heartbeat.
//
// Exceptional conditions (lease expired, owner mismatch, no slot free) are
// reported through result variants, not errors; callers dispatch on the
// variant. All mutations run under row locks on the slot rows.
package slots

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/eventlog"
	"codexplane.io/controlplane/internal/pkg/logger"
	"codexplane.io/controlplane/internal/repository"
)

// Lease states.
const (
	LeaseStateLeased   = "leased"
	LeaseStateReleased = "released"
	LeaseStateExpired  = "expired"
)

// Expiry pass source tags, recorded in event payloads.
const (
	sourceAcquireReaper = "slot_acquire_ttl_reaper"
	sourceHeartbeat     = "slot_heartbeat"
	sourceReaper        = "slot_reaper"
)

// Manager owns the slot lease rows for the configured slot set.
type Manager struct {
	pool    *pgxpool.Pool
	slotIDs []string
	ttl     time.Duration
}

// NewManager creates a slot lease manager. The slot id set is fixed for the
// process lifetime; acquisition order is the configured list order.
func NewManager(pool *pgxpool.Pool, slotIDs []string, ttl time.Duration) *Manager {
	if ttl < 30*time.Second {
		ttl = 30 * time.Second
	}
	return &Manager{pool: pool, slotIDs: slotIDs, ttl: ttl}
}

// SlotIDs returns the configured slot set in acquisition order.
func (m *Manager) SlotIDs() []string {
	out := make([]string, len(m.slotIDs))
	copy(out, m.slotIDs)
	return out
}

// TTL returns the configured lease TTL.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// AcquireResult reports the outcome of an acquire call.
type AcquireResult struct {
	Acquired    bool
	SlotID      string
	ExpiresAt   time.Time
	QueueReason string // WAITING_FOR_SLOT when not acquired
}

// ReleaseResult reports the outcome of a release call.
type ReleaseResult struct {
	Released bool
	Reason   string // slot_not_found | slot_owned_by_different_run
}

// HeartbeatResult reports the outcome of a heartbeat call.
type HeartbeatResult struct {
	OK        bool
	Reason    string // lease_expired | slot_owned_by_different_run | slot_not_leased
	ExpiresAt time.Time
}

// ReapResult reports the outcome of a reap pass.
type ReapResult struct {
	ExpiredCount int
	ExpiredSlots []string
}

// SlotState is one row of the list_states view.
type SlotState struct {
	SlotID         string     `json:"slot_id"`
	EffectiveState string     `json:"effective_state"` // available | leased | expired | released
	RunID          string     `json:"run_id,omitempty"`
	LeasedAt       *time.Time `json:"leased_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	HeartbeatAt    *time.Time `json:"heartbeat_at,omitempty"`
}

// AcquireTx runs the acquire pipeline inside the caller's transaction. The
// worker claim path relies on this so the lease is visible to the worktree
// assignment in the same transaction.
//
// Pipeline: lock all slot rows → expire stale leases → idempotent return if
// the run already holds a live lease → hand out the first free slot → or
// report WAITING_FOR_SLOT.
func (m *Manager) AcquireTx(ctx context.Context, q *repository.Queries, runID string) (AcquireResult, error) {
	now := time.Now().UTC()

	leases, err := q.LockSlotLeases(ctx, m.slotIDs)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("lock slot leases: %w", err)
	}

	byID := make(map[string]repository.SlotLease, len(leases))
	for _, l := range leases {
		byID[l.SlotID] = l
		if l.LeaseState == LeaseStateLeased && l.ExpiresAt.Valid && !l.ExpiresAt.Time.After(now) {
			if err := m.expireLease(ctx, q, l, sourceAcquireReaper); err != nil {
				return AcquireResult{}, err
			}
			l.LeaseState = LeaseStateExpired
			byID[l.SlotID] = l
		}
	}

	// Idempotent acquire: the caller keeps its live lease.
	for _, l := range byID {
		if l.LeaseState == LeaseStateLeased && l.RunID.Valid && l.RunID.String == runID &&
			l.ExpiresAt.Valid && l.ExpiresAt.Time.After(now) {
			if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
				RunID:     runID,
				EventType: domain.EventSlotAcquireIdempotent,
				Payload:   map[string]interface{}{"slot_id": l.SlotID},
			}); err != nil {
				return AcquireResult{}, err
			}
			return AcquireResult{Acquired: true, SlotID: l.SlotID, ExpiresAt: l.ExpiresAt.Time}, nil
		}
	}

	var occupied []string
	for _, slotID := range m.slotIDs {
		l, exists := byID[slotID]
		live := exists && l.LeaseState == LeaseStateLeased && l.ExpiresAt.Valid && l.ExpiresAt.Time.After(now)
		if live {
			occupied = append(occupied, slotID)
			continue
		}

		expiresAt := now.Add(m.ttl)
		if _, err := q.UpsertLeasedSlot(ctx, slotID, runID, expiresAt); err != nil {
			return AcquireResult{}, fmt.Errorf("lease slot %s: %w", slotID, err)
		}
		if err := q.SetRunSlot(ctx, runID, slotID); err != nil {
			return AcquireResult{}, fmt.Errorf("link run %s to slot %s: %w", runID, slotID, err)
		}
		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:     runID,
			EventType: domain.EventSlotAcquired,
			Payload: map[string]interface{}{
				"slot_id":     slotID,
				"expires_at":  expiresAt.Format(time.RFC3339),
				"ttl_seconds": int(m.ttl.Seconds()),
			},
		}); err != nil {
			return AcquireResult{}, err
		}
		return AcquireResult{Acquired: true, SlotID: slotID, ExpiresAt: expiresAt}, nil
	}

	// No free slot: the run stays queued, the wait is recorded.
	if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     runID,
		EventType: domain.EventSlotWaiting,
		Payload: map[string]interface{}{
			"reason":         string(domain.ReasonWaitingForSlot),
			"occupied_slots": occupied,
			"queue_behavior": "run_kept_queued_while_waiting_for_slot",
		},
	}); err != nil {
		return AcquireResult{}, err
	}
	return AcquireResult{Acquired: false, QueueReason: string(domain.ReasonWaitingForSlot)}, nil
}

// ReleaseTx releases a lease inside the caller's transaction. When runID is
// non-empty it must match the owner.
func (m *Manager) ReleaseTx(ctx context.Context, q *repository.Queries, slotID, runID string) (ReleaseResult, error) {
	lease, err := q.GetSlotLeaseForUpdate(ctx, slotID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReleaseResult{Released: false, Reason: "slot_not_found"}, nil
		}
		return ReleaseResult{}, fmt.Errorf("lock slot lease %s: %w", slotID, err)
	}

	if runID != "" && lease.RunID.Valid && lease.RunID.String != runID {
		return ReleaseResult{Released: false, Reason: "slot_owned_by_different_run"}, nil
	}

	if _, err := q.SetSlotLeaseState(ctx, slotID, LeaseStateReleased); err != nil {
		return ReleaseResult{}, fmt.Errorf("release slot %s: %w", slotID, err)
	}

	ownerID := runID
	if ownerID == "" && lease.RunID.Valid {
		ownerID = lease.RunID.String
	}
	if ownerID != "" {
		if err := q.ClearRunSlot(ctx, ownerID, slotID); err != nil {
			return ReleaseResult{}, fmt.Errorf("clear run slot: %w", err)
		}
		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:     ownerID,
			EventType: domain.EventSlotReleased,
			Payload:   map[string]interface{}{"slot_id": slotID},
		}); err != nil {
			return ReleaseResult{}, err
		}
	}
	return ReleaseResult{Released: true}, nil
}

// HeartbeatTx re-arms a live lease inside the caller's transaction. A
// heartbeat against an expired lease triggers the same expiry finalization as
// the reaper and is rejected.
func (m *Manager) HeartbeatTx(ctx context.Context, q *repository.Queries, slotID, runID string) (HeartbeatResult, error) {
	now := time.Now().UTC()

	lease, err := q.GetSlotLeaseForUpdate(ctx, slotID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return HeartbeatResult{OK: false, Reason: "slot_not_leased"}, nil
		}
		return HeartbeatResult{}, fmt.Errorf("lock slot lease %s: %w", slotID, err)
	}

	if lease.LeaseState != LeaseStateLeased || !lease.RunID.Valid || lease.RunID.String != runID {
		reason := "slot_not_leased"
		if lease.LeaseState == LeaseStateLeased {
			reason = "slot_owned_by_different_run"
		}
		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:     runID,
			EventType: domain.EventSlotHeartbeatRejected,
			Payload:   map[string]interface{}{"slot_id": slotID, "reason": reason},
		}); err != nil {
			return HeartbeatResult{}, err
		}
		return HeartbeatResult{OK: false, Reason: reason}, nil
	}

	if lease.ExpiresAt.Valid && !lease.ExpiresAt.Time.After(now) {
		if err := m.expireLease(ctx, q, lease, sourceHeartbeat); err != nil {
			return HeartbeatResult{}, err
		}
		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:     runID,
			EventType: domain.EventSlotHeartbeatRejected,
			Payload:   map[string]interface{}{"slot_id": slotID, "reason": "lease_expired"},
		}); err != nil {
			return HeartbeatResult{}, err
		}
		return HeartbeatResult{OK: false, Reason: "lease_expired"}, nil
	}

	expiresAt := now.Add(m.ttl)
	if _, err := q.RearmSlotLease(ctx, slotID, expiresAt); err != nil {
		return HeartbeatResult{}, fmt.Errorf("rearm slot lease %s: %w", slotID, err)
	}
	if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     runID,
		EventType: domain.EventSlotHeartbeat,
		Payload: map[string]interface{}{
			"slot_id":    slotID,
			"expires_at": expiresAt.Format(time.RFC3339),
		},
	}); err != nil {
		return HeartbeatResult{}, err
	}
	return HeartbeatResult{OK: true, ExpiresAt: expiresAt}, nil
}

// ReapTx expires every stale lease inside the caller's transaction, without
// handing the reclaimed slots out.
func (m *Manager) ReapTx(ctx context.Context, q *repository.Queries) (ReapResult, error) {
	now := time.Now().UTC()

	leases, err := q.LockSlotLeases(ctx, m.slotIDs)
	if err != nil {
		return ReapResult{}, fmt.Errorf("lock slot leases: %w", err)
	}

	var expired []string
	for _, l := range leases {
		if l.LeaseState != LeaseStateLeased || !l.ExpiresAt.Valid || l.ExpiresAt.Time.After(now) {
			continue
		}
		if err := m.expireLease(ctx, q, l, sourceReaper); err != nil {
			return ReapResult{}, err
		}
		expired = append(expired, l.SlotID)
	}
	sort.Strings(expired)
	return ReapResult{ExpiredCount: len(expired), ExpiredSlots: expired}, nil
}

// expireLease marks a lease expired and finalizes the owning run: a valid
// transition moves it to expired with the recoverable payload; runs in
// non-cancellable states keep their status but still lose the lease.
func (m *Manager) expireLease(ctx context.Context, q *repository.Queries, lease repository.SlotLease, source string) error {
	if _, err := q.SetSlotLeaseState(ctx, lease.SlotID, LeaseStateExpired); err != nil {
		return fmt.Errorf("expire slot lease %s: %w", lease.SlotID, err)
	}
	if !lease.RunID.Valid {
		return nil
	}
	runID := lease.RunID.String

	run, err := q.GetRunForUpdate(ctx, runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			_, err = eventlog.Append(ctx, q, eventlog.AppendParams{
				RunID:     runID,
				EventType: domain.EventSlotExpiryTransitionSkip,
				Payload: map[string]interface{}{
					"slot_id": lease.SlotID,
					"source":  source,
					"reason":  "unknown_run_status",
				},
			})
			return err
		}
		return fmt.Errorf("lock run %s for expiry: %w", runID, err)
	}

	from := domain.RunState(run.Status)
	if domain.CanTransition(from, domain.StateExpired) {
		if _, err := q.UpdateRunStatus(ctx, runID, string(domain.StateExpired)); err != nil {
			return fmt.Errorf("expire run %s: %w", runID, err)
		}
		payload := domain.RecoverablePayload(runID)
		payload["reason"] = string(domain.ReasonPreviewExpired)
		payload["slot_id"] = lease.SlotID
		payload["source"] = source
		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:      runID,
			EventType:  domain.EventStatusTransition,
			StatusFrom: from,
			StatusTo:   domain.StateExpired,
			Payload:    payload,
		}); err != nil {
			return err
		}
	} else {
		// Runs in merging/deploying (and terminal runs) are not forced.
		logger.Warn("slot expiry transition skipped",
			zap.String("run_id", runID),
			zap.String("slot_id", lease.SlotID),
			zap.String("status", run.Status),
		)
		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:     runID,
			EventType: domain.EventSlotExpiryTransitionSkip,
			Payload: map[string]interface{}{
				"slot_id": lease.SlotID,
				"source":  source,
				"reason":  "invalid_transition",
				"status":  run.Status,
			},
		}); err != nil {
			return err
		}
	}

	if err := q.ClearRunSlot(ctx, runID, lease.SlotID); err != nil {
		return fmt.Errorf("clear run slot on expiry: %w", err)
	}
	_, err = eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     runID,
		EventType: domain.EventSlotExpired,
		Payload: map[string]interface{}{
			"slot_id": lease.SlotID,
			"source":  source,
		},
	})
	return err
}
