package app

import (
	"context"

	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/pkg/logger"
)

// Start starts the background services: River maintenance jobs and the run
// orchestrator poll loop.
func (a *Application) Start(ctx context.Context) error {
	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Start(ctx); err != nil {
			return err
		}
		logger.Info("River client started, maintenance jobs will now run")
	}

	if a.orchestrator != nil {
		orchCtx, cancel := context.WithCancel(ctx)
		a.orchCancel = cancel
		orchestrator := a.orchestrator
		//nolint:naked-goroutine // process-lifetime loop, stopped via orchCancel on shutdown
		go orchestrator.Run(orchCtx)
	}
	return nil
}

// Shutdown gracefully stops all application components in dependency order:
// orchestrator first so no new runs claim slots, then River, pools, and the
// database pool last.
func (a *Application) Shutdown() {
	shutdownCtx := context.Background()

	if a.orchCancel != nil {
		a.orchCancel()
	}

	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop river client", zap.Error(err))
		}
		logger.Info("River client stopped")
	}

	if a.Pools != nil {
		a.Pools.Shutdown()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
