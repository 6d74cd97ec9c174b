package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"codexplane.io/controlplane/internal/domain"
	apperrors "codexplane.io/controlplane/internal/pkg/errors"
	"codexplane.io/controlplane/internal/runs"
)

// eventTypeCatalog is the published event vocabulary, grouped by concern.
var eventTypeCatalog = []domain.EventType{
	domain.EventRunCreated,
	domain.EventRunRetried,
	domain.EventRunResumed,
	domain.EventStatusTransition,
	domain.EventSlotAcquired,
	domain.EventSlotAcquireIdempotent,
	domain.EventSlotWaiting,
	domain.EventSlotReleased,
	domain.EventSlotExpired,
	domain.EventSlotHeartbeat,
	domain.EventSlotHeartbeatRejected,
	domain.EventSlotExpiryTransitionSkip,
	domain.EventSlotReleaseSkipped,
	domain.EventWorktreeAssigned,
	domain.EventWorktreeReused,
	domain.EventWorktreeCleaned,
	domain.EventRunBranchDeleted,
	domain.EventCodexCommandStarted,
	domain.EventCodexCommandFinished,
	domain.EventRunCommitResolved,
	domain.EventValidationStarted,
	domain.EventValidationFinished,
	domain.EventWorkerObservedCancel,
	domain.EventWorkerSkippedCanceled,
	domain.EventPreviewDbResetStarted,
	domain.EventPreviewDbResetCompleted,
	domain.EventPreviewDbResetFailed,
	domain.EventPreviewPublished,
	domain.EventPreviewPublishFailed,
	domain.EventSlotProbeFailed,
	domain.EventMergeGateCheckFinished,
	domain.EventApprovalDecision,
}

// ListRunEvents handles GET /api/runs/:id/events.
func (s *Server) ListRunEvents(c *gin.Context) {
	sinceID, _ := strconv.ParseInt(c.Query("since_id"), 10, 64)
	items, err := s.runs.Events(c.Request.Context(), c.Param("id"), runs.EventsParams{
		SinceID:    sinceID,
		Limit:      int32(queryInt(c, "limit", 200)),
		Descending: c.Query("order") == "desc",
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// EventSchema handles GET /api/events/schema.
func (s *Server) EventSchema(c *gin.Context) {
	types := make([]string, 0, len(eventTypeCatalog))
	for _, t := range eventTypeCatalog {
		types = append(types, string(t))
	}
	c.JSON(http.StatusOK, gin.H{
		"schema_version": domain.SchemaVersion,
		"event_types":    types,
	})
}

// StreamRunEvents handles GET /api/runs/:id/events/stream as Server-Sent
// Events. With follow=true the stream tails new events until the client
// disconnects; otherwise it ends after the backlog.
func (s *Server) StreamRunEvents(c *gin.Context) {
	runID := c.Param("id")
	cursor, _ := strconv.ParseInt(c.Query("since_id"), 10, 64)
	follow := c.Query("follow") == "true" || c.Query("follow") == "1"

	heartbeat := time.Duration(queryInt(c, "heartbeat_seconds", 15)) * time.Second
	if heartbeat < time.Second {
		heartbeat = time.Second
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		_ = c.Error(apperrors.Internal("STREAMING_UNSUPPORTED", "response writer cannot stream"))
		return
	}

	// Validate the run before committing to the stream content type.
	if _, err := s.runs.Get(c.Request.Context(), runID); err != nil {
		_ = c.Error(err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	poll := time.NewTicker(time.Second)
	defer poll.Stop()
	keepAlive := time.NewTicker(heartbeat)
	defer keepAlive.Stop()

	emit := func() (bool, error) {
		events, err := s.runs.Events(ctx, runID, runs.EventsParams{SinceID: cursor, Limit: 500})
		if err != nil {
			return false, err
		}
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "id: %d\nevent: run_event\ndata: %s\n\n", ev.ID, data)
			cursor = ev.ID
		}
		if len(events) > 0 {
			flusher.Flush()
		}
		return len(events) > 0, nil
	}

	if _, err := emit(); err != nil {
		return
	}
	if !follow {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if _, err := emit(); err != nil {
				return
			}
		case <-keepAlive.C:
			fmt.Fprintf(c.Writer, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}
