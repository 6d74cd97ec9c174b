// Package handlers implements the HTTP surface of the control plane. Route
// registration lives in internal/app; handlers push errors through c.Error()
// and let the ErrorHandler middleware shape the response.
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"codexplane.io/controlplane/internal/api/middleware"
	"codexplane.io/controlplane/internal/approval"
	"codexplane.io/controlplane/internal/metrics"
	"codexplane.io/controlplane/internal/preview"
	"codexplane.io/controlplane/internal/runs"
	"codexplane.io/controlplane/internal/slots"
	"codexplane.io/controlplane/internal/worktree"
)

// Server holds the handler dependencies.
type Server struct {
	pool         *pgxpool.Pool
	runs         *runs.Service
	approvals    *approval.Service
	slots        *slots.Manager
	worktrees    *worktree.Manager
	collector    *metrics.Collector
	slotContract preview.Contract
	artifactRoot string
}

// ServerDeps holds all dependencies for creating a Server. Dependencies are
// wired manually in bootstrap.
type ServerDeps struct {
	Pool         *pgxpool.Pool
	Runs         *runs.Service
	Approvals    *approval.Service
	Slots        *slots.Manager
	Worktrees    *worktree.Manager
	Collector    *metrics.Collector
	SlotContract preview.Contract
	ArtifactRoot string
}

// NewServer creates a Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		pool:         deps.Pool,
		runs:         deps.Runs,
		approvals:    deps.Approvals,
		slots:        deps.Slots,
		worktrees:    deps.Worktrees,
		collector:    deps.Collector,
		slotContract: deps.SlotContract,
		artifactRoot: deps.ArtifactRoot,
	}
}

// actorFromCtx extracts the caller identity for audit attribution.
func actorFromCtx(c *gin.Context) string {
	if actor := middleware.GetActorID(c.Request.Context()); actor != "" {
		return actor
	}
	return "anonymous"
}
