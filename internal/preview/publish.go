package preview

import (
	"context"
	"fmt"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/eventlog"
	"codexplane.io/controlplane/internal/execx"
	"codexplane.io/controlplane/internal/repository"
)

// PublishError reports a failed publish step; the worker maps it to
// PREVIEW_PUBLISH_FAILED.
type PublishError struct {
	Step    string
	Excerpt string
	LogURI  string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("preview publish step %s failed: %s", e.Step, e.Excerpt)
}

// publishStep is one named subprocess in the publish pipeline. Steps with an
// empty command are skipped, which keeps minimal dev setups working.
type publishStep struct {
	name    string
	command string
}

func (s *Service) publishSteps() []publishStep {
	return []publishStep{
		{"frontend_install", s.cfg.FrontendInstallCommand},
		{"frontend_build", s.cfg.FrontendBuildCommand},
		{"sync", s.cfg.SyncCommand},
		{"backend_sync", s.cfg.BackendSyncCommand},
		{"backend_migrate", s.cfg.BackendMigrateCommand},
		{"backend_restart", s.cfg.BackendRestartCommand},
		{"frontend_healthcheck", s.cfg.FrontendHealthcheckCommand},
		{"backend_healthcheck", s.cfg.BackendHealthcheckCommand},
	}
}

// Publish builds and deploys the run's worktree into the slot's preview
// environment. The pipeline stops at the first failing step.
func (s *Service) Publish(ctx context.Context, runID, slotID, worktreePath string, overlay map[string]string) error {
	q := repository.New(s.pool)

	var executed []string
	for _, step := range s.publishSteps() {
		if step.command == "" {
			continue
		}

		logURI := s.logPath(runID, step.name)
		res, err := s.sup.Run(ctx, execx.Options{
			Argv:       splitCommand(step.command),
			Dir:        worktreePath,
			Timeout:    s.cfg.PublishTimeout(),
			OutputPath: logURI,
			EnvOverlay: overlay,
		})
		if err != nil {
			return fmt.Errorf("run publish step %s: %w", step.name, err)
		}

		// The step log is linked whatever the outcome so the content endpoint
		// can serve it.
		if _, err := q.InsertRunArtifact(ctx, repository.InsertRunArtifactParams{
			RunID:        runID,
			ArtifactType: "preview_publish_log",
			ArtifactURI:  logURI,
			Metadata:     map[string]interface{}{"step": step.name, "slot_id": slotID},
		}); err != nil {
			return fmt.Errorf("record publish log %s: %w", step.name, err)
		}

		if res.Failed() {
			if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
				RunID:     runID,
				EventType: domain.EventPreviewPublishFailed,
				Payload: map[string]interface{}{
					"slot_id":        slotID,
					"step":           step.name,
					"exit_code":      res.ExitCode,
					"timed_out":      res.TimedOut,
					"output_excerpt": res.OutputExcerpt,
					"log_uri":        logURI,
				},
			}); err != nil {
				return err
			}
			return &PublishError{Step: step.name, Excerpt: res.OutputExcerpt, LogURI: logURI}
		}
		executed = append(executed, step.name)
	}

	_, err := eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     runID,
		EventType: domain.EventPreviewPublished,
		Payload: map[string]interface{}{
			"slot_id": slotID,
			"steps":   executed,
		},
	})
	return err
}
