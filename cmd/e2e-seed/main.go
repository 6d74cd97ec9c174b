// Package main seeds deterministic run fixtures for live end-to-end tests.
//
// This command is test-environment only and is intentionally idempotent:
// fixture run IDs are fixed, and an existing run is left untouched.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/config"
	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/eventlog"
	"codexplane.io/controlplane/internal/infrastructure"
	"codexplane.io/controlplane/internal/pkg/logger"
	"codexplane.io/controlplane/internal/repository"
)

const seedActor = "e2e-seed"

// fixtureRun describes one seeded run and the transition path that put it in
// its final state. Every hop is recorded as a status_transition event so the
// event history reads like a real lifecycle.
type fixtureRun struct {
	ID     string
	Title  string
	Prompt string
	Route  string
	Path   []domain.RunState
	// Reason annotates the final transition when it lands on failed or expired.
	Reason domain.FailureReasonCode
}

func fixtureRuns() []fixtureRun {
	return []fixtureRun{
		{
			ID:     "run-e2e-queued",
			Title:  "Add a cancel button to the billing page",
			Prompt: "Add a cancel button to the billing page next to the save action.",
			Route:  "/billing",
			Path:   []domain.RunState{domain.StateQueued},
		},
		{
			ID:     "run-e2e-preview",
			Title:  "Rename the dashboard heading",
			Prompt: "Rename the dashboard heading from Overview to Home.",
			Route:  "/dashboard",
			Path: []domain.RunState{
				domain.StateQueued, domain.StatePlanning, domain.StateEditing,
				domain.StateTesting, domain.StatePreviewReady,
			},
		},
		{
			ID:     "run-e2e-failed-timeout",
			Title:  "Tighten form validation on signup",
			Prompt: "Reject signup emails without a domain part.",
			Route:  "/signup",
			Path: []domain.RunState{
				domain.StateQueued, domain.StatePlanning, domain.StateEditing,
				domain.StateFailed,
			},
			Reason: domain.ReasonAgentTimeout,
		},
		{
			ID:     "run-e2e-expired",
			Title:  "Swap footer link order",
			Prompt: "Move the privacy link before the terms link in the footer.",
			Route:  "/",
			Path: []domain.RunState{
				domain.StateQueued, domain.StatePlanning, domain.StateEditing,
				domain.StateTesting, domain.StatePreviewReady, domain.StateExpired,
			},
			Reason: domain.ReasonPreviewExpired,
		},
		{
			ID:     "run-e2e-merged",
			Title:  "Fix typo on the pricing page",
			Prompt: "Fix the typo in the pricing page subtitle.",
			Route:  "/pricing",
			Path: []domain.RunState{
				domain.StateQueued, domain.StatePlanning, domain.StateEditing,
				domain.StateTesting, domain.StatePreviewReady, domain.StateNeedsApproval,
				domain.StateApproved, domain.StateMerging, domain.StateDeploying,
				domain.StateMerged,
			},
		},
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "e2e-seed error: %v\n", err)
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

	if err := db.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	for _, fx := range fixtureRuns() {
		created, err := seedRun(ctx, db, fx)
		if err != nil {
			return fmt.Errorf("seed %s: %w", fx.ID, err)
		}
		if created {
			logger.Info("fixture run created",
				zap.String("run_id", fx.ID),
				zap.String("status", string(fx.Path[len(fx.Path)-1])))
		} else {
			logger.Info("fixture run already present", zap.String("run_id", fx.ID))
		}
	}

	logger.Info("E2E fixtures seeded")
	return nil
}

// seedRun creates one fixture run with its full event trail in a single
// transaction. Returns false without writing when the run already exists.
func seedRun(ctx context.Context, db *infrastructure.DatabaseClients, fx fixtureRun) (bool, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := repository.New(tx)
	if _, err := q.GetRun(ctx, fx.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}

	if _, err := q.CreateRun(ctx, repository.CreateRunParams{
		ID:        fx.ID,
		Title:     fx.Title,
		Prompt:    fx.Prompt,
		Status:    string(domain.StateQueued),
		Route:     fx.Route,
		CreatedBy: pgtype.Text{String: seedActor, Valid: true},
	}); err != nil {
		return false, err
	}
	if err := q.CreateRunContext(ctx, repository.CreateRunContextParams{
		RunID:    fx.ID,
		Route:    fx.Route,
		Note:     "end-to-end fixture",
		Metadata: map[string]interface{}{"fixture": true},
	}); err != nil {
		return false, err
	}
	if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     fx.ID,
		EventType: domain.EventRunCreated,
		StatusTo:  domain.StateQueued,
		Payload:   map[string]interface{}{"title": fx.Title, "route": fx.Route},
		ActorID:   seedActor,
	}); err != nil {
		return false, err
	}

	for i := 1; i < len(fx.Path); i++ {
		from, to := fx.Path[i-1], fx.Path[i]
		payload := map[string]interface{}{"source": "e2e_seed"}
		if i == len(fx.Path)-1 && fx.Reason != "" {
			payload["reason"] = string(fx.Reason)
		}
		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:      fx.ID,
			EventType:  domain.EventStatusTransition,
			StatusFrom: from,
			StatusTo:   to,
			Payload:    payload,
			ActorID:    seedActor,
		}); err != nil {
			return false, err
		}
	}

	if terminal := fx.Path[len(fx.Path)-1]; terminal != domain.StateQueued {
		if _, err := q.UpdateRunStatus(ctx, fx.ID, string(terminal)); err != nil {
			return false, err
		}
	}

	return true, tx.Commit(ctx)
}
