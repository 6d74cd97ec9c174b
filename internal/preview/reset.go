package preview

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/eventlog"
	"codexplane.io/controlplane/internal/execx"
	"codexplane.io/controlplane/internal/repository"
)

// Reset status values persisted on preview_db_resets rows.
const (
	ResetStatusRunning   = "running"
	ResetStatusCompleted = "completed"
	ResetStatusFailed    = "failed"
)

// ResetError reports a failed reset; the worker maps it to MIGRATION_FAILED.
type ResetError struct {
	DbName  string
	Excerpt string
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("preview db reset failed for %s: %s", e.DbName, e.Excerpt)
}

// ResetDB resets the slot's preview database to the configured baseline
// before the agent runs. Every attempt is recorded, including failures.
func (s *Service) ResetDB(ctx context.Context, runID, slotID string, overlay map[string]string) error {
	dbName, err := DBName(slotID)
	if err != nil {
		return fmt.Errorf("resolve preview db for %s: %w", slotID, err)
	}
	if !IsPreviewDB(dbName) {
		return fmt.Errorf("refusing reset of non-preview database %q", dbName)
	}

	q := repository.New(s.pool)
	resetID, err := q.InsertPreviewDbReset(ctx, repository.InsertPreviewDbResetParams{
		RunID:           runID,
		SlotID:          slotID,
		DbName:          dbName,
		Strategy:        s.cfg.DBResetStrategy,
		SeedVersion:     optionalText(s.cfg.SeedVersion),
		SnapshotVersion: optionalText(s.cfg.SnapshotVersion),
	})
	if err != nil {
		return fmt.Errorf("record preview db reset: %w", err)
	}

	startPayload := map[string]interface{}{
		"slot_id":  slotID,
		"db_name":  dbName,
		"strategy": s.cfg.DBResetStrategy,
	}
	if s.cfg.SeedVersion != "" {
		startPayload["seed_version"] = s.cfg.SeedVersion
	}
	if s.cfg.SnapshotVersion != "" {
		startPayload["snapshot_version"] = s.cfg.SnapshotVersion
	}
	if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     runID,
		EventType: domain.EventPreviewDbResetStarted,
		Payload:   startPayload,
	}); err != nil {
		return err
	}

	if s.cfg.DBResetCommand == "" {
		if err := q.FinishPreviewDbReset(ctx, resetID, ResetStatusCompleted,
			map[string]interface{}{"skipped": true, "detail": "no_reset_command_configured"}); err != nil {
			return fmt.Errorf("finish preview db reset: %w", err)
		}
		_, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:     runID,
			EventType: domain.EventPreviewDbResetCompleted,
			Payload:   map[string]interface{}{"slot_id": slotID, "db_name": dbName, "skipped": true},
		})
		return err
	}

	env := map[string]string{"PREVIEW_DB_NAME": dbName}
	for k, v := range overlay {
		env[k] = v
	}

	res, err := s.sup.Run(ctx, execx.Options{
		Argv:       splitCommand(s.cfg.DBResetCommand),
		Timeout:    s.cfg.DBResetTimeout(),
		OutputPath: s.logPath(runID, "db-reset"),
		EnvOverlay: env,
	})
	if err != nil {
		return fmt.Errorf("run preview db reset: %w", err)
	}

	if res.Failed() {
		details := map[string]interface{}{
			"exit_code":      res.ExitCode,
			"timed_out":      res.TimedOut,
			"output_excerpt": res.OutputExcerpt,
		}
		if err := q.FinishPreviewDbReset(ctx, resetID, ResetStatusFailed, details); err != nil {
			return fmt.Errorf("finish preview db reset: %w", err)
		}
		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:     runID,
			EventType: domain.EventPreviewDbResetFailed,
			Payload: map[string]interface{}{
				"slot_id":        slotID,
				"db_name":        dbName,
				"exit_code":      res.ExitCode,
				"timed_out":      res.TimedOut,
				"output_excerpt": res.OutputExcerpt,
			},
		}); err != nil {
			return err
		}
		return &ResetError{DbName: dbName, Excerpt: res.OutputExcerpt}
	}

	if err := q.FinishPreviewDbReset(ctx, resetID, ResetStatusCompleted,
		map[string]interface{}{"duration_ms": res.Duration.Milliseconds()}); err != nil {
		return fmt.Errorf("finish preview db reset: %w", err)
	}
	_, err = eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     runID,
		EventType: domain.EventPreviewDbResetCompleted,
		Payload: map[string]interface{}{
			"slot_id":     slotID,
			"db_name":     dbName,
			"duration_ms": res.Duration.Milliseconds(),
		},
	})
	return err
}

func optionalText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}
