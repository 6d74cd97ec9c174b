package infrastructure

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL creates every control plane table. Statements are idempotent so
// the migration can run on every boot when database.auto_migrate is set.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id             TEXT PRIMARY KEY,
		title          TEXT NOT NULL,
		prompt         TEXT NOT NULL,
		status         TEXT NOT NULL,
		route          TEXT NOT NULL DEFAULT '',
		slot_id        TEXT,
		branch_name    TEXT,
		worktree_path  TEXT,
		commit_sha     TEXT,
		parent_run_id  TEXT,
		created_by     TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_route ON runs (route)`,

	`CREATE TABLE IF NOT EXISTS run_contexts (
		run_id        TEXT PRIMARY KEY REFERENCES runs (id),
		route         TEXT NOT NULL DEFAULT '',
		page_title    TEXT NOT NULL DEFAULT '',
		element_hint  TEXT NOT NULL DEFAULT '',
		note          TEXT NOT NULL DEFAULT '',
		metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS run_events (
		id           BIGSERIAL PRIMARY KEY,
		run_id       TEXT NOT NULL REFERENCES runs (id),
		event_type   TEXT NOT NULL,
		status_from  TEXT,
		status_to    TEXT,
		payload      JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events (run_id, id)`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		id            TEXT PRIMARY KEY,
		actor_id      TEXT,
		action        TEXT NOT NULL,
		payload_hash  TEXT NOT NULL,
		payload       JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs (action, created_at)`,

	`CREATE TABLE IF NOT EXISTS slot_leases (
		slot_id       TEXT PRIMARY KEY,
		run_id        TEXT,
		lease_state   TEXT NOT NULL DEFAULT 'released',
		leased_at     TIMESTAMPTZ,
		expires_at    TIMESTAMPTZ,
		heartbeat_at  TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS slot_worktree_bindings (
		slot_id        TEXT PRIMARY KEY,
		run_id         TEXT,
		branch_name    TEXT,
		worktree_path  TEXT,
		binding_state  TEXT NOT NULL DEFAULT 'active',
		last_action    TEXT NOT NULL DEFAULT 'assigned',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		released_at    TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS validation_checks (
		id            BIGSERIAL PRIMARY KEY,
		run_id        TEXT NOT NULL REFERENCES runs (id),
		check_name    TEXT NOT NULL,
		status        TEXT NOT NULL,
		started_at    TIMESTAMPTZ NOT NULL,
		ended_at      TIMESTAMPTZ,
		artifact_uri  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_validation_checks_run_id ON validation_checks (run_id, id)`,

	`CREATE TABLE IF NOT EXISTS run_artifacts (
		id             BIGSERIAL PRIMARY KEY,
		run_id         TEXT NOT NULL REFERENCES runs (id),
		artifact_type  TEXT NOT NULL,
		artifact_uri   TEXT NOT NULL,
		metadata       JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_artifacts_run_id ON run_artifacts (run_id, id)`,

	`CREATE TABLE IF NOT EXISTS approvals (
		id           BIGSERIAL PRIMARY KEY,
		run_id       TEXT NOT NULL REFERENCES runs (id),
		reviewer_id  TEXT,
		decision     TEXT NOT NULL,
		reason       TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS releases (
		id                BIGSERIAL PRIMARY KEY,
		release_id        TEXT NOT NULL UNIQUE,
		commit_sha        TEXT NOT NULL,
		migration_marker  TEXT,
		status            TEXT NOT NULL DEFAULT 'deployed',
		deployed_at       TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS preview_db_resets (
		id                BIGSERIAL PRIMARY KEY,
		run_id            TEXT NOT NULL REFERENCES runs (id),
		slot_id           TEXT NOT NULL,
		db_name           TEXT NOT NULL,
		strategy          TEXT NOT NULL,
		seed_version      TEXT,
		snapshot_version  TEXT,
		reset_status      TEXT NOT NULL DEFAULT 'running',
		reset_started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		reset_completed_at TIMESTAMPTZ,
		details           JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
}

// Migrate applies the control plane DDL to the given pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}
