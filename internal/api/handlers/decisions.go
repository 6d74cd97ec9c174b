package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "codexplane.io/controlplane/internal/pkg/errors"
	"codexplane.io/controlplane/internal/repository"
)

type approveRequest struct {
	ReviewerID string `json:"reviewer_id"`
}

// ApproveRun handles POST /api/runs/:id/approve. The call blocks through the
// full merge pipeline: re-checks, merge, push, deploy reload.
func (s *Server) ApproveRun(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		_ = c.Error(apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "invalid approval payload"))
		return
	}
	reviewer := req.ReviewerID
	if reviewer == "" {
		reviewer = actorFromCtx(c)
	}

	res, err := s.approvals.Approve(c.Request.Context(), c.Param("id"), reviewer)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type rejectRequest struct {
	ReviewerID        string `json:"reviewer_id"`
	FailureReasonCode string `json:"failure_reason_code"`
	Note              string `json:"note"`
}

// RejectRun handles POST /api/runs/:id/reject.
func (s *Server) RejectRun(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		_ = c.Error(apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "invalid rejection payload"))
		return
	}
	reviewer := req.ReviewerID
	if reviewer == "" {
		reviewer = actorFromCtx(c)
	}

	res, err := s.approvals.Reject(c.Request.Context(), c.Param("id"), reviewer, req.FailureReasonCode, req.Note)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type approvalView struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	ReviewerID string    `json:"reviewer_id,omitempty"`
	Decision   string    `json:"decision"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListApprovals handles GET /api/runs/:id/approvals.
func (s *Server) ListApprovals(c *gin.Context) {
	rows, err := repository.New(s.pool).ListApprovals(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	items := make([]approvalView, 0, len(rows))
	for _, a := range rows {
		items = append(items, approvalView{
			ID:         a.ID,
			RunID:      a.RunID,
			ReviewerID: a.ReviewerID.String,
			Decision:   a.Decision,
			Reason:     a.Reason.String,
			CreatedAt:  a.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
