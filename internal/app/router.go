package app

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"codexplane.io/controlplane/internal/api/handlers"
	"codexplane.io/controlplane/internal/api/middleware"
	"codexplane.io/controlplane/internal/config"
	"codexplane.io/controlplane/internal/metrics"
	"codexplane.io/controlplane/internal/pkg/logger"
)

func newRouter(cfg *config.Config, server *handlers.Server, registry *metrics.Registry) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.TraceID(),
		middleware.Observe(registry),
		middleware.ErrorHandler(),
	)
	if origins := cfg.CORS.AllowedOrigins(); len(origins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = origins
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders,
			middleware.TraceIDHeader, middleware.ActorIDHeader)
		router.Use(cors.New(corsCfg))
	}

	router.GET("/health", server.Health)
	router.GET("/metrics", gin.WrapH(registry.Handler()))
	router.Any("/log/level", gin.WrapH(logger.HTTPHandler()))

	api := router.Group("/api")
	{
		api.GET("/contract", server.LifecycleContract)
		api.GET("/events/schema", server.EventSchema)
		api.GET("/metrics/core", server.CoreMetrics)
		api.GET("/releases", server.ListReleases)
		api.GET("/releases/:releaseID", server.GetRelease)

		api.POST("/runs", server.CreateRun)
		api.GET("/runs", server.ListRuns)
		api.GET("/runs/contract", server.LifecycleContract)
		api.GET("/runs/:id", server.GetRun)
		api.POST("/runs/:id/transition", server.TransitionRun)
		api.POST("/runs/:id/cancel", server.CancelRun)
		api.POST("/runs/:id/expire", server.ExpireRun)
		api.POST("/runs/:id/retry", server.RetryRun)
		api.POST("/runs/:id/resume", server.ResumeRun)
		api.POST("/runs/:id/approve", server.ApproveRun)
		api.POST("/runs/:id/reject", server.RejectRun)
		api.GET("/runs/:id/approvals", server.ListApprovals)
		api.GET("/runs/:id/checks", server.ListChecks)
		api.GET("/runs/:id/artifacts", server.ListArtifacts)
		api.GET("/runs/:id/artifacts/content", server.ArtifactContent)
		api.GET("/runs/:id/preview-db-resets", server.ListPreviewDbResets)
		api.GET("/runs/:id/events", server.ListRunEvents)
		api.GET("/runs/:id/events/stream", server.StreamRunEvents)

		api.GET("/slots", server.ListSlots)
		api.GET("/slots/contract", server.SlotContract)
		api.POST("/slots/acquire", server.AcquireSlot)
		api.POST("/slots/reap-expired", server.ReapExpiredSlots)
		api.POST("/slots/:slotID/release", server.ReleaseSlot)
		api.POST("/slots/:slotID/heartbeat", server.HeartbeatSlot)

		api.GET("/worktrees", server.ListWorktrees)
		api.GET("/worktrees/contract", server.WorktreeContract)
		api.POST("/worktrees/assign", server.AssignWorktree)
		api.POST("/worktrees/:slotID/cleanup", server.CleanupWorktree)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "route not found"})
	})
	return router
}
