package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"codexplane.io/controlplane/internal/domain"
	apperrors "codexplane.io/controlplane/internal/pkg/errors"
	"codexplane.io/controlplane/internal/runs"
)

type createRunRequest struct {
	Title       string                 `json:"title"`
	Prompt      string                 `json:"prompt" binding:"required"`
	Route       string                 `json:"route"`
	PageTitle   string                 `json:"page_title"`
	ElementHint string                 `json:"element_hint"`
	Note        string                 `json:"note"`
	Metadata    map[string]interface{} `json:"metadata"`
	CreatedBy   string                 `json:"created_by"`
}

// CreateRun handles POST /api/runs.
func (s *Server) CreateRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "invalid run payload"))
		return
	}

	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = actorFromCtx(c)
	}
	view, err := s.runs.Create(c.Request.Context(), runs.CreateParams{
		Title:       req.Title,
		Prompt:      req.Prompt,
		Route:       req.Route,
		PageTitle:   req.PageTitle,
		ElementHint: req.ElementHint,
		Note:        req.Note,
		Metadata:    req.Metadata,
		CreatedBy:   createdBy,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ListRuns handles GET /api/runs.
func (s *Server) ListRuns(c *gin.Context) {
	page, err := s.runs.List(c.Request.Context(), runs.ListParams{
		Status: c.Query("status"),
		Route:  c.Query("route"),
		Limit:  int32(queryInt(c, "limit", 50)),
		Offset: int32(queryInt(c, "offset", 0)),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetRun handles GET /api/runs/:id.
func (s *Server) GetRun(c *gin.Context) {
	detail, err := s.runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

type transitionRequest struct {
	ToStatus          string                 `json:"to_status"`
	To                string                 `json:"to"` // accepted shorthand for to_status
	FailureReasonCode string                 `json:"failure_reason_code"`
	Payload           map[string]interface{} `json:"payload"`
}

func (r transitionRequest) target() string {
	if r.ToStatus != "" {
		return r.ToStatus
	}
	return r.To
}

// TransitionRun handles POST /api/runs/:id/transition.
func (s *Server) TransitionRun(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.target() == "" {
		_ = c.Error(apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "invalid transition payload"))
		return
	}

	view, err := s.runs.Transition(c.Request.Context(), c.Param("id"), runs.TransitionParams{
		To:      domain.RunState(req.target()),
		Reason:  domain.FailureReasonCode(req.FailureReasonCode),
		Payload: req.Payload,
		ActorID: actorFromCtx(c),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// CancelRun handles POST /api/runs/:id/cancel.
func (s *Server) CancelRun(c *gin.Context) {
	view, err := s.runs.Cancel(c.Request.Context(), c.Param("id"), actorFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ExpireRun handles POST /api/runs/:id/expire.
func (s *Server) ExpireRun(c *gin.Context) {
	view, err := s.runs.Expire(c.Request.Context(), c.Param("id"), actorFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// RetryRun handles POST /api/runs/:id/retry.
func (s *Server) RetryRun(c *gin.Context) {
	view, err := s.runs.Retry(c.Request.Context(), c.Param("id"), actorFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ResumeRun handles POST /api/runs/:id/resume.
func (s *Server) ResumeRun(c *gin.Context) {
	view, err := s.runs.Resume(c.Request.Context(), c.Param("id"), actorFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// LifecycleContract handles GET /api/contract.
func (s *Server) LifecycleContract(c *gin.Context) {
	c.JSON(http.StatusOK, s.runs.LifecycleContract())
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
