// Package runs owns the run lifecycle surface: creation, listing, explicit
// state transitions, and the retry/resume lineage. All writes go through one
// transaction per call with the run row locked first.
package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/eventlog"
	apperrors "codexplane.io/controlplane/internal/pkg/errors"
	"codexplane.io/controlplane/internal/pkg/logger"
	"codexplane.io/controlplane/internal/repository"
)

const maxDerivedTitleLen = 80

// Service exposes run lifecycle operations.
type Service struct {
	pool *pgxpool.Pool
}

// NewService wires the run service.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// RunView is the API shape of a run.
type RunView struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Prompt       string    `json:"prompt"`
	Status       string    `json:"status"`
	Route        string    `json:"route"`
	SlotID       string    `json:"slot_id,omitempty"`
	BranchName   string    `json:"branch_name,omitempty"`
	WorktreePath string    `json:"worktree_path,omitempty"`
	CommitSHA    string    `json:"commit_sha,omitempty"`
	ParentRunID  string    `json:"parent_run_id,omitempty"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ContextView is the API shape of the captured request context.
type ContextView struct {
	Route       string                 `json:"route"`
	PageTitle   string                 `json:"page_title,omitempty"`
	ElementHint string                 `json:"element_hint,omitempty"`
	Note        string                 `json:"note,omitempty"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// RunDetail pairs a run with its context.
type RunDetail struct {
	RunView
	Context *ContextView `json:"context,omitempty"`
}

// Page is the standard list envelope.
type Page struct {
	Items  []RunView `json:"items"`
	Total  int64     `json:"total"`
	Limit  int32     `json:"limit"`
	Offset int32     `json:"offset"`
}

// CreateParams is the submission payload for a new run.
type CreateParams struct {
	Title       string
	Prompt      string
	Route       string
	PageTitle   string
	ElementHint string
	Note        string
	Metadata    map[string]interface{}
	CreatedBy   string
}

// Create inserts a queued run with its context row and the run_created event.
func (s *Service) Create(ctx context.Context, p CreateParams) (RunView, error) {
	p.Prompt = strings.TrimSpace(p.Prompt)
	if p.Prompt == "" {
		return RunView{}, apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "prompt is required")
	}
	if p.Route == "" {
		p.Route = "/"
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = deriveTitle(p.Prompt)
	}

	runID := newRunID()
	var view RunView
	err := s.inTx(ctx, func(q *repository.Queries) error {
		run, err := q.CreateRun(ctx, repository.CreateRunParams{
			ID:        runID,
			Title:     title,
			Prompt:    p.Prompt,
			Status:    string(domain.StateQueued),
			Route:     p.Route,
			CreatedBy: optionalText(p.CreatedBy),
		})
		if err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		if err := q.CreateRunContext(ctx, repository.CreateRunContextParams{
			RunID:       runID,
			Route:       p.Route,
			PageTitle:   p.PageTitle,
			ElementHint: p.ElementHint,
			Note:        p.Note,
			Metadata:    p.Metadata,
		}); err != nil {
			return fmt.Errorf("create run context: %w", err)
		}
		if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
			RunID:     runID,
			EventType: domain.EventRunCreated,
			StatusTo:  domain.StateQueued,
			Payload: map[string]interface{}{
				"title": title,
				"route": p.Route,
			},
			ActorID: p.CreatedBy,
		}); err != nil {
			return err
		}
		view = toView(run)
		return nil
	})
	if err != nil {
		return RunView{}, err
	}
	logger.Info("run created", zap.String("run_id", runID), zap.String("route", p.Route))
	return view, nil
}

// ListParams filters and paginates the run listing.
type ListParams struct {
	Status string
	Route  string
	Limit  int32
	Offset int32
}

// List returns a page of runs, newest first.
func (s *Service) List(ctx context.Context, p ListParams) (Page, error) {
	if p.Status != "" && !domain.IsValidState(domain.RunState(p.Status)) {
		return Page{}, apperrors.BadRequest(apperrors.CodeInvalidRequest, "unknown status filter").
			WithParams(map[string]interface{}{"status": p.Status})
	}
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}

	q := repository.New(s.pool)
	rows, err := q.ListRuns(ctx, repository.ListRunsParams{
		Status: p.Status,
		Route:  p.Route,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		return Page{}, fmt.Errorf("list runs: %w", err)
	}
	total, err := q.CountRuns(ctx, p.Status, p.Route)
	if err != nil {
		return Page{}, fmt.Errorf("count runs: %w", err)
	}

	items := make([]RunView, 0, len(rows))
	for _, r := range rows {
		items = append(items, toView(r))
	}
	return Page{Items: items, Total: total, Limit: p.Limit, Offset: p.Offset}, nil
}

// Get returns one run with its context.
func (s *Service) Get(ctx context.Context, runID string) (RunDetail, error) {
	q := repository.New(s.pool)
	run, err := q.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RunDetail{}, apperrors.ErrRunNotFoundf(runID)
		}
		return RunDetail{}, fmt.Errorf("get run %s: %w", runID, err)
	}

	detail := RunDetail{RunView: toView(run)}
	if rc, err := q.GetRunContext(ctx, runID); err == nil {
		detail.Context = &ContextView{
			Route:       rc.Route,
			PageTitle:   rc.PageTitle,
			ElementHint: rc.ElementHint,
			Note:        rc.Note,
			Metadata:    rc.Metadata,
		}
	}
	return detail, nil
}

// Contract describes the fixed lifecycle vocabulary for clients.
type Contract struct {
	States             []domain.RunState          `json:"states"`
	FailureReasonCodes []domain.FailureReasonCode `json:"failure_reason_codes"`
	SchemaVersion      int                        `json:"schema_version"`
}

// LifecycleContract returns the state and failure-reason sets.
func (s *Service) LifecycleContract() Contract {
	return Contract{
		States:             domain.AllStates,
		FailureReasonCodes: domain.AllFailureReasonCodes,
		SchemaVersion:      domain.SchemaVersion,
	}
}

// EventsParams selects a window of a run's event stream.
type EventsParams struct {
	SinceID    int64
	Limit      int32
	Descending bool
}

// EventView is the API shape of one event row.
type EventView struct {
	ID         int64                  `json:"id"`
	RunID      string                 `json:"run_id"`
	EventType  string                 `json:"event_type"`
	StatusFrom string                 `json:"status_from,omitempty"`
	StatusTo   string                 `json:"status_to,omitempty"`
	Payload    map[string]interface{} `json:"payload"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Events lists a run's events after the given cursor.
func (s *Service) Events(ctx context.Context, runID string, p EventsParams) ([]EventView, error) {
	q := repository.New(s.pool)
	if _, err := q.GetRun(ctx, runID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrRunNotFoundf(runID)
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	rows, err := q.ListRunEvents(ctx, repository.ListRunEventsParams{
		RunID:      runID,
		SinceID:    p.SinceID,
		Descending: p.Descending,
		Limit:      p.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list run events %s: %w", runID, err)
	}
	out := make([]EventView, 0, len(rows))
	for _, ev := range rows {
		out = append(out, toEventView(ev))
	}
	return out, nil
}

func toEventView(ev repository.RunEvent) EventView {
	return EventView{
		ID:         ev.ID,
		RunID:      ev.RunID,
		EventType:  ev.EventType,
		StatusFrom: ev.StatusFrom.String,
		StatusTo:   ev.StatusTo.String,
		Payload:    ev.Payload,
		CreatedAt:  ev.CreatedAt,
	}
}

func toView(r repository.Run) RunView {
	return RunView{
		ID:           r.ID,
		Title:        r.Title,
		Prompt:       r.Prompt,
		Status:       r.Status,
		Route:        r.Route,
		SlotID:       r.SlotID.String,
		BranchName:   r.BranchName.String,
		WorktreePath: r.WorktreePath.String,
		CommitSHA:    r.CommitSHA.String,
		ParentRunID:  r.ParentRunID.String,
		CreatedBy:    r.CreatedBy.String,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// deriveTitle trims the first prompt line to a display title.
func deriveTitle(prompt string) string {
	line := prompt
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > maxDerivedTitleLen {
		line = strings.TrimSpace(line[:maxDerivedTitleLen])
	}
	return line
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func (s *Service) inTx(ctx context.Context, fn func(q *repository.Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin runs tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(repository.New(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func optionalText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}
