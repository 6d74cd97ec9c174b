package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "codexplane.io/controlplane/internal/pkg/errors"
	"codexplane.io/controlplane/internal/preview"
)

// ListWorktrees handles GET /api/worktrees.
func (s *Server) ListWorktrees(c *gin.Context) {
	bindings, err := s.worktrees.ListBindings(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": bindings})
}

// WorktreeContract handles GET /api/worktrees/contract.
func (s *Server) WorktreeContract(c *gin.Context) {
	c.JSON(http.StatusOK, s.worktrees.Contract())
}

type assignWorktreeRequest struct {
	SlotID string `json:"slot_id" binding:"required"`
	RunID  string `json:"run_id" binding:"required"`
}

// AssignWorktree handles POST /api/worktrees/assign. The run must hold a
// live lease on the slot; assignment is idempotent per run+slot.
func (s *Server) AssignWorktree(c *gin.Context) {
	var req assignWorktreeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "slot_id and run_id are required"))
		return
	}
	slotID, err := preview.NormalizeSlotID(req.SlotID)
	if err != nil {
		_ = c.Error(apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "invalid slot id").
			WithParams(map[string]interface{}{"slot_id": req.SlotID}))
		return
	}
	res, err := s.worktrees.Assign(c.Request.Context(), slotID, req.RunID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CleanupWorktree handles POST /api/worktrees/:slotID/cleanup.
func (s *Server) CleanupWorktree(c *gin.Context) {
	slotID, ok := s.normalizeSlotID(c)
	if !ok {
		return
	}
	var req slotRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "run_id is required"))
		return
	}
	res, err := s.worktrees.Cleanup(c.Request.Context(), slotID, req.RunID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}
