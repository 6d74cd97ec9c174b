package repository

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Run is one unit of prompted change.
type Run struct {
	ID           string
	Title        string
	Prompt       string
	Status       string
	Route        string
	SlotID       pgtype.Text
	BranchName   pgtype.Text
	WorktreePath pgtype.Text
	CommitSHA    pgtype.Text
	ParentRunID  pgtype.Text
	CreatedBy    pgtype.Text
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RunContext carries the immutable request context plus a metadata map.
type RunContext struct {
	RunID       string
	Route       string
	PageTitle   string
	ElementHint string
	Note        string
	Metadata    map[string]interface{}
	CreatedAt   time.Time
}

// RunEvent is one append-only event row; ID is the stream cursor.
type RunEvent struct {
	ID         int64
	RunID      string
	EventType  string
	StatusFrom pgtype.Text
	StatusTo   pgtype.Text
	Payload    map[string]interface{}
	CreatedAt  time.Time
}

// AuditLog is an append-only compliance record.
type AuditLog struct {
	ID          string
	ActorID     pgtype.Text
	Action      string
	PayloadHash string
	Payload     map[string]interface{}
	CreatedAt   time.Time
}

// SlotLease is the lease row for one preview slot.
type SlotLease struct {
	SlotID      string
	RunID       pgtype.Text
	LeaseState  string
	LeasedAt    pgtype.Timestamptz
	ExpiresAt   pgtype.Timestamptz
	HeartbeatAt pgtype.Timestamptz
}

// SlotWorktreeBinding associates a slot with a run's branch and worktree.
type SlotWorktreeBinding struct {
	SlotID       string
	RunID        pgtype.Text
	BranchName   pgtype.Text
	WorktreePath pgtype.Text
	BindingState string
	LastAction   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ReleasedAt   pgtype.Timestamptz
}

// ValidationCheck records one check execution for a run.
type ValidationCheck struct {
	ID          int64
	RunID       string
	CheckName   string
	Status      string
	StartedAt   time.Time
	EndedAt     pgtype.Timestamptz
	ArtifactURI pgtype.Text
}

// RunArtifact points at a file under the artifact root.
type RunArtifact struct {
	ID           int64
	RunID        string
	ArtifactType string
	ArtifactURI  string
	Metadata     map[string]interface{}
	CreatedAt    time.Time
}

// Approval records one approve/reject decision.
type Approval struct {
	ID         int64
	RunID      string
	ReviewerID pgtype.Text
	Decision   string
	Reason     pgtype.Text
	CreatedAt  time.Time
}

// Release records one merge to trunk.
type Release struct {
	ID              int64
	ReleaseID       string
	CommitSHA       string
	MigrationMarker pgtype.Text
	Status          string
	DeployedAt      pgtype.Timestamptz
}

// PreviewDbReset records one preview database reset attempt.
type PreviewDbReset struct {
	ID               int64
	RunID            string
	SlotID           string
	DbName           string
	Strategy         string
	SeedVersion      pgtype.Text
	SnapshotVersion  pgtype.Text
	ResetStatus      string
	ResetStartedAt   time.Time
	ResetCompletedAt pgtype.Timestamptz
	Details          map[string]interface{}
}
