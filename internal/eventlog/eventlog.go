// Package eventlog is the sole write path for run events and audit records.
//
// Every payload is normalized to carry schema_version. When an audit action
// accompanies an event, the audit row is appended with the same Queries
// binding, so a transaction-bound caller gets both writes atomically.
package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/repository"
)

// AppendParams describes one event append, optionally paired with an audit
// record.
type AppendParams struct {
	RunID      string
	EventType  domain.EventType
	StatusFrom domain.RunState
	StatusTo   domain.RunState
	Payload    map[string]interface{}
	ActorID    string
	// AuditAction, when set, also appends an AuditLog row embedding the
	// event identity and a canonical payload hash.
	AuditAction string
}

// Append normalizes the payload, appends the RunEvent, and appends the
// paired AuditLog row when an audit action is supplied.
func Append(ctx context.Context, q *repository.Queries, p AppendParams) (repository.RunEvent, error) {
	payload := NormalizePayload(p.Payload)

	ev, err := q.InsertRunEvent(ctx, repository.InsertRunEventParams{
		RunID:      p.RunID,
		EventType:  string(p.EventType),
		StatusFrom: optionalText(string(p.StatusFrom)),
		StatusTo:   optionalText(string(p.StatusTo)),
		Payload:    payload,
	})
	if err != nil {
		return repository.RunEvent{}, fmt.Errorf("append run event %s/%s: %w", p.RunID, p.EventType, err)
	}

	if p.AuditAction == "" {
		return ev, nil
	}

	auditPayload := map[string]interface{}{
		"schema_version": domain.SchemaVersion,
		"run_id":         p.RunID,
		"event_type":     string(p.EventType),
		"status_from":    nullableString(string(p.StatusFrom)),
		"status_to":      nullableString(string(p.StatusTo)),
		"payload":        payload,
	}
	hash, err := PayloadHash(auditPayload)
	if err != nil {
		return repository.RunEvent{}, fmt.Errorf("hash audit payload: %w", err)
	}

	if err := q.InsertAuditLog(ctx, repository.InsertAuditLogParams{
		ID:          newAuditID(),
		ActorID:     optionalText(p.ActorID),
		Action:      p.AuditAction,
		PayloadHash: hash,
		Payload:     auditPayload,
	}); err != nil {
		return repository.RunEvent{}, fmt.Errorf("append audit log %s: %w", p.AuditAction, err)
	}

	return ev, nil
}

// NormalizePayload returns a copy of the payload with schema_version injected
// when absent. Existing payload maps are never mutated.
func NormalizePayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	if _, ok := out["schema_version"]; !ok {
		out["schema_version"] = domain.SchemaVersion
	}
	return out
}

// PayloadHash computes the SHA-256 of the canonical JSON encoding (sorted
// keys, compact separators) of the payload.
func PayloadHash(payload map[string]interface{}) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func optionalText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func newAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "audit-" + uuid.New().String()
	}
	return "audit-" + id.String()
}
