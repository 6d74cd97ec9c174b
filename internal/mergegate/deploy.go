package mergegate

import (
	"context"
	"fmt"
	"strings"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/execx"
	"codexplane.io/controlplane/internal/repository"
)

// DeployReload reloads the backend onto the merged commit and verifies it
// answers. Both commands are optional; an unset command skips its step.
func (g *Gate) DeployReload(ctx context.Context, runID, mergedSHA string) error {
	if err := g.runDeployStep(ctx, runID, mergedSHA, "backend-reload", g.cfg.MergeGate.DeployBackendReloadCommand, "backend_reload"); err != nil {
		return err
	}
	return g.runDeployStep(ctx, runID, mergedSHA, "backend-healthcheck", g.cfg.MergeGate.DeployBackendHealthcheckCommand, "backend_healthcheck")
}

func (g *Gate) runDeployStep(ctx context.Context, runID, mergedSHA, logName, command, detailPrefix string) error {
	if command == "" {
		return nil
	}

	outputPath := g.deployLogPath(runID, logName)
	res, err := g.sup.Run(ctx, execx.Options{
		Argv:       strings.Fields(command),
		Timeout:    g.cfg.MergeGate.DeployTimeout(),
		OutputPath: outputPath,
		EnvOverlay: map[string]string{
			"RUN_ID":     runID,
			"COMMIT_SHA": mergedSHA,
		},
	})
	if err != nil {
		return gateErr(domain.ReasonDeployHealthcheckFailed, detailPrefix+"_errored",
			map[string]interface{}{"error": err.Error()})
	}

	if _, err := repository.New(g.pool).InsertRunArtifact(ctx, repository.InsertRunArtifactParams{
		RunID:        runID,
		ArtifactType: "deploy_log",
		ArtifactURI:  outputPath,
		Metadata:     map[string]interface{}{"step": logName},
	}); err != nil {
		return fmt.Errorf("record deploy artifact: %w", err)
	}

	if res.TimedOut {
		return gateErr(domain.ReasonDeployHealthcheckFailed, detailPrefix+"_timeout",
			map[string]interface{}{"timeout_seconds": int(g.cfg.MergeGate.DeployTimeout().Seconds())})
	}
	if res.Failed() {
		return gateErr(domain.ReasonDeployHealthcheckFailed,
			fmt.Sprintf("%s_failed:exit_%d", detailPrefix, res.ExitCode),
			map[string]interface{}{"exit_code": res.ExitCode, "output_excerpt": res.OutputExcerpt})
	}
	return nil
}
