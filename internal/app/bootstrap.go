// Package app is the composition root. Bootstrap stays orchestration-only:
// it wires dependencies and owns no business logic.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"codexplane.io/controlplane/internal/api/handlers"
	"codexplane.io/controlplane/internal/approval"
	"codexplane.io/controlplane/internal/config"
	"codexplane.io/controlplane/internal/execx"
	"codexplane.io/controlplane/internal/gitx"
	"codexplane.io/controlplane/internal/infrastructure"
	"codexplane.io/controlplane/internal/jobs"
	"codexplane.io/controlplane/internal/mergegate"
	"codexplane.io/controlplane/internal/metrics"
	workerpool "codexplane.io/controlplane/internal/pkg/worker"
	"codexplane.io/controlplane/internal/preview"
	"codexplane.io/controlplane/internal/repository"
	"codexplane.io/controlplane/internal/runs"
	"codexplane.io/controlplane/internal/slots"
	runworker "codexplane.io/controlplane/internal/worker"
	"codexplane.io/controlplane/internal/worktree"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	DB      *infrastructure.DatabaseClients
	Pools   *workerpool.Pools
	Metrics *metrics.Registry

	orchestrator *runworker.Orchestrator
	orchCancel   context.CancelFunc
}

// Bootstrap initializes all dependencies with manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}

	slotMgr := slots.NewManager(db.Pool, cfg.Slot.IDs(), cfg.Slot.LeaseTTL())
	git := gitx.NewClient(cfg.Repo.RootPath, cfg.Worker.GitAuthorName, cfg.Worker.GitAuthorEmail)
	worktreeMgr := worktree.NewManager(db.Pool, git, cfg.Slot.IDs(), cfg.Worktree.RootPath)

	sup := execx.NewSupervisor(execx.Policy{
		AllowedCommands: splitCSV(cfg.Worker.AllowedCommands),
		AllowedPaths:    splitCSV(cfg.Worker.AllowedPaths),
		EnvAllowlist:    splitCSV(cfg.Worker.EnvAllowlist),
		EnvBlocklist:    splitCSV(cfg.Worker.EnvBlocklist),
	})

	previews := preview.NewService(cfg.Preview, db.Pool, sup, cfg.Worker.ArtifactRoot)
	gate := mergegate.NewGate(cfg, db.Pool, git, sup)
	approvals := approval.NewService(db.Pool, slotMgr, worktreeMgr, gate)
	runSvc := runs.NewService(db.Pool)

	pools, err := workerpool.NewPools(ctx, workerpool.PoolConfig{
		GeneralPoolSize: workerpool.DefaultPoolConfig().GeneralPoolSize,
		ExecPoolSize:    cfg.Worker.PoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewSlotReapWorker(slotMgr))
	river.AddWorker(workers, jobs.NewArtifactRetentionWorker(cfg.Worker.ArtifactRoot, cfg.River.ArtifactRetention))
	if err := db.InitRiverClient(workers, cfg.River); err != nil {
		pools.Shutdown()
		db.Close()
		return nil, fmt.Errorf("init river client: %w", err)
	}
	db.RiverClient.PeriodicJobs().Add(jobs.SlotReapPeriodicJob(cfg.River.ReapInterval))
	db.RiverClient.PeriodicJobs().Add(jobs.ArtifactRetentionPeriodicJob())

	registry := metrics.NewRegistry()
	collector := metrics.NewCollector(repository.New(db.Pool), registry)

	server := handlers.NewServer(handlers.ServerDeps{
		Pool:         db.Pool,
		Runs:         runSvc,
		Approvals:    approvals,
		Slots:        slotMgr,
		Worktrees:    worktreeMgr,
		Collector:    collector,
		SlotContract: preview.SlotContract(cfg.Slot.IDs()),
		ArtifactRoot: cfg.Worker.ArtifactRoot,
	})

	app := &Application{
		Config:  cfg,
		Router:  newRouter(cfg, server, registry),
		DB:      db,
		Pools:   pools,
		Metrics: registry,
	}
	if cfg.Worker.Enabled {
		app.orchestrator = runworker.NewOrchestrator(
			cfg, db.Pool, slotMgr, worktreeMgr, git, previews, sup, pools)
	}
	return app, nil
}

func splitCSV(csv string) []string {
	var out []string
	for _, raw := range strings.Split(csv, ",") {
		if s := strings.TrimSpace(raw); s != "" {
			out = append(out, s)
		}
	}
	return out
}
