package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "codexplane.io/controlplane/internal/pkg/errors"
	"codexplane.io/controlplane/internal/preview"
)

// ListSlots handles GET /api/slots.
func (s *Server) ListSlots(c *gin.Context) {
	states, err := s.slots.ListStates(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": states})
}

type slotRunRequest struct {
	RunID string `json:"run_id" binding:"required"`
}

// AcquireSlot handles POST /api/slots/acquire. A full slot set is not an
// error: the response reports acquired=false with WAITING_FOR_SLOT.
func (s *Server) AcquireSlot(c *gin.Context) {
	var req slotRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "run_id is required"))
		return
	}
	res, err := s.slots.Acquire(c.Request.Context(), req.RunID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"acquired":     res.Acquired,
		"slot_id":      res.SlotID,
		"expires_at":   res.ExpiresAt,
		"queue_reason": res.QueueReason,
	})
}

// ReleaseSlot handles POST /api/slots/:slotID/release.
func (s *Server) ReleaseSlot(c *gin.Context) {
	slotID, ok := s.normalizeSlotID(c)
	if !ok {
		return
	}
	var req slotRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "run_id is required"))
		return
	}
	res, err := s.slots.Release(c.Request.Context(), slotID, req.RunID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": res.Released, "reason": res.Reason})
}

// HeartbeatSlot handles POST /api/slots/:slotID/heartbeat.
func (s *Server) HeartbeatSlot(c *gin.Context) {
	slotID, ok := s.normalizeSlotID(c)
	if !ok {
		return
	}
	var req slotRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "run_id is required"))
		return
	}
	res, err := s.slots.Heartbeat(c.Request.Context(), slotID, req.RunID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":         res.OK,
		"reason":     res.Reason,
		"expires_at": res.ExpiresAt,
	})
}

// ReapExpiredSlots handles POST /api/slots/reap-expired.
func (s *Server) ReapExpiredSlots(c *gin.Context) {
	res, err := s.slots.Reap(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"expired_count": res.ExpiredCount,
		"expired_slots": res.ExpiredSlots,
	})
}

// SlotContract handles GET /api/slots/contract.
func (s *Server) SlotContract(c *gin.Context) {
	c.JSON(http.StatusOK, s.slotContract)
}

// normalizeSlotID resolves slot id aliases from the path parameter.
func (s *Server) normalizeSlotID(c *gin.Context) (string, bool) {
	slotID, err := preview.NormalizeSlotID(c.Param("slotID"))
	if err != nil {
		_ = c.Error(apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "invalid slot id").
			WithParams(map[string]interface{}{"slot_id": c.Param("slotID")}))
		return "", false
	}
	return slotID, true
}
