// Package main provides explicit data bootstrap for the control plane.
//
// The server can auto-migrate on startup; this command performs the same
// schema bootstrap plus idempotent seed data (slot lease rows) for
// environments that migrate out of band.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/config"
	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/eventlog"
	"codexplane.io/controlplane/internal/infrastructure"
	"codexplane.io/controlplane/internal/pkg/logger"
	"codexplane.io/controlplane/internal/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	logger.Info("Starting data seeding...")

	if err := db.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if err := seedSlotLeases(ctx, db.Pool, cfg.Slot.IDs()); err != nil {
		return fmt.Errorf("seed slot leases: %w", err)
	}

	if n := demoRunCount(); n > 0 {
		if err := seedDemoRuns(ctx, db.Pool, n); err != nil {
			return fmt.Errorf("seed demo runs: %w", err)
		}
	}

	logger.Info("Data seeding completed successfully")
	return nil
}

// demoRunCount reads SEED_DEMO_RUNS; zero or unset skips demo run seeding.
func demoRunCount() int {
	raw := strings.TrimSpace(os.Getenv("SEED_DEMO_RUNS"))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	if n > 100 {
		n = 100
	}
	return n
}

// seedDemoRuns inserts queued demo runs with their creation events. Runs use
// deterministic ids so repeat seeding is a no-op.
func seedDemoRuns(ctx context.Context, pool *pgxpool.Pool, count int) error {
	for i := 1; i <= count; i++ {
		runID := fmt.Sprintf("run-demo-%03d", i)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		err = func() error {
			defer func() { _ = tx.Rollback(ctx) }()

			q := repository.New(tx)
			if _, err := q.GetRun(ctx, runID); err == nil {
				return nil
			} else if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}

			title := fmt.Sprintf("Demo change request %d", i)
			if _, err := q.CreateRun(ctx, repository.CreateRunParams{
				ID:     runID,
				Title:  title,
				Prompt: fmt.Sprintf("Demo prompt %d: adjust the landing page copy.", i),
				Status: string(domain.StateQueued),
				Route:  "/",
			}); err != nil {
				return err
			}
			if err := q.CreateRunContext(ctx, repository.CreateRunContextParams{
				RunID: runID,
				Route: "/",
				Note:  "demo seed",
			}); err != nil {
				return err
			}
			if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
				RunID:     runID,
				EventType: domain.EventRunCreated,
				StatusTo:  domain.StateQueued,
				Payload:   map[string]interface{}{"title": title, "route": "/"},
				ActorID:   "seed",
			}); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err != nil {
			return fmt.Errorf("seed demo run %s: %w", runID, err)
		}
	}
	logger.Info("demo runs ensured", zap.Int("count", count))
	return nil
}

// seedSlotLeases creates a released lease row per configured slot so the
// slot listing reflects the full slot set before the first acquisition.
func seedSlotLeases(ctx context.Context, pool *pgxpool.Pool, slotIDs []string) error {
	for _, slotID := range slotIDs {
		if _, err := pool.Exec(ctx, `
			INSERT INTO slot_leases (slot_id, lease_state)
			VALUES ($1, 'released')
			ON CONFLICT (slot_id) DO NOTHING`, slotID,
		); err != nil {
			return fmt.Errorf("seed slot %s: %w", slotID, err)
		}
		logger.Info("slot lease row ensured", zap.String("slot_id", slotID))
	}
	return nil
}
