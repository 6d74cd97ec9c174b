package handlers

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	apperrors "codexplane.io/controlplane/internal/pkg/errors"
	"codexplane.io/controlplane/internal/repository"
)

type checkView struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	CheckName   string     `json:"check_name"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	ArtifactURI string     `json:"artifact_uri,omitempty"`
}

// ListChecks handles GET /api/runs/:id/checks.
func (s *Server) ListChecks(c *gin.Context) {
	rows, err := repository.New(s.pool).ListValidationChecks(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	items := make([]checkView, 0, len(rows))
	for _, v := range rows {
		item := checkView{
			ID:          v.ID,
			RunID:       v.RunID,
			CheckName:   v.CheckName,
			Status:      v.Status,
			StartedAt:   v.StartedAt,
			ArtifactURI: v.ArtifactURI.String,
		}
		if v.EndedAt.Valid {
			t := v.EndedAt.Time
			item.EndedAt = &t
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type artifactView struct {
	ID           int64                  `json:"id"`
	RunID        string                 `json:"run_id"`
	ArtifactType string                 `json:"artifact_type"`
	ArtifactURI  string                 `json:"artifact_uri"`
	Metadata     map[string]interface{} `json:"metadata"`
	CreatedAt    time.Time              `json:"created_at"`
}

// ListArtifacts handles GET /api/runs/:id/artifacts.
func (s *Server) ListArtifacts(c *gin.Context) {
	rows, err := repository.New(s.pool).ListRunArtifacts(c.Request.Context(), c.Param("id"), int32(queryInt(c, "limit", 200)))
	if err != nil {
		_ = c.Error(err)
		return
	}
	items := make([]artifactView, 0, len(rows))
	for _, a := range rows {
		items = append(items, artifactView{
			ID:           a.ID,
			RunID:        a.RunID,
			ArtifactType: a.ArtifactType,
			ArtifactURI:  a.ArtifactURI,
			Metadata:     a.Metadata,
			CreatedAt:    a.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ArtifactContent handles GET /api/runs/:id/artifacts/content?uri=...
// The file is served only when the URI is linked to the run through an
// artifact or check row and resolves under the artifact root. Everything
// else is a 404 so the artifact root layout is not disclosed.
func (s *Server) ArtifactContent(c *gin.Context) {
	runID := c.Param("id")
	uri := c.Query("uri")
	if uri == "" {
		_ = c.Error(apperrors.UnprocessableEntity(apperrors.CodeInvalidRequest, "uri query parameter is required"))
		return
	}

	linked, err := repository.New(s.pool).ArtifactLinkedToRun(c.Request.Context(), runID, uri)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !linked || !s.underArtifactRoot(uri) {
		_ = c.Error(apperrors.ErrArtifactPathDeniedf(uri))
		return
	}
	c.File(uri)
}

// underArtifactRoot rejects artifact URIs that escape the artifact root.
func (s *Server) underArtifactRoot(uri string) bool {
	root, err := filepath.Abs(s.artifactRoot)
	if err != nil {
		return false
	}
	path, err := filepath.Abs(uri)
	if err != nil {
		return false
	}
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

type resetView struct {
	ID               int64                  `json:"id"`
	RunID            string                 `json:"run_id"`
	SlotID           string                 `json:"slot_id"`
	DbName           string                 `json:"db_name"`
	Strategy         string                 `json:"strategy"`
	SeedVersion      string                 `json:"seed_version,omitempty"`
	SnapshotVersion  string                 `json:"snapshot_version,omitempty"`
	ResetStatus      string                 `json:"reset_status"`
	ResetStartedAt   time.Time              `json:"reset_started_at"`
	ResetCompletedAt *time.Time             `json:"reset_completed_at,omitempty"`
	Details          map[string]interface{} `json:"details"`
}

// ListPreviewDbResets handles GET /api/runs/:id/preview-db-resets.
func (s *Server) ListPreviewDbResets(c *gin.Context) {
	rows, err := repository.New(s.pool).ListPreviewDbResets(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	items := make([]resetView, 0, len(rows))
	for _, r := range rows {
		item := resetView{
			ID:              r.ID,
			RunID:           r.RunID,
			SlotID:          r.SlotID,
			DbName:          r.DbName,
			Strategy:        r.Strategy,
			SeedVersion:     r.SeedVersion.String,
			SnapshotVersion: r.SnapshotVersion.String,
			ResetStatus:     r.ResetStatus,
			ResetStartedAt:  r.ResetStartedAt,
			Details:         r.Details,
		}
		if r.ResetCompletedAt.Valid {
			t := r.ResetCompletedAt.Time
			item.ResetCompletedAt = &t
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type releaseView struct {
	ID         int64      `json:"id"`
	ReleaseID  string     `json:"release_id"`
	CommitSHA  string     `json:"commit_sha"`
	Status     string     `json:"status"`
	DeployedAt *time.Time `json:"deployed_at,omitempty"`
}

// ListReleases handles GET /api/releases.
func (s *Server) ListReleases(c *gin.Context) {
	rows, err := repository.New(s.pool).ListReleases(c.Request.Context(), int32(queryInt(c, "limit", 50)))
	if err != nil {
		_ = c.Error(err)
		return
	}
	items := make([]releaseView, 0, len(rows))
	for _, r := range rows {
		item := releaseView{
			ID:        r.ID,
			ReleaseID: r.ReleaseID,
			CommitSHA: r.CommitSHA,
			Status:    r.Status,
		}
		if r.DeployedAt.Valid {
			t := r.DeployedAt.Time
			item.DeployedAt = &t
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GetRelease handles GET /api/releases/:releaseID.
func (s *Server) GetRelease(c *gin.Context) {
	releaseID := c.Param("releaseID")
	r, err := repository.New(s.pool).GetRelease(c.Request.Context(), releaseID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			_ = c.Error(apperrors.NotFound(apperrors.CodeReleaseNotFound, "release not found").
				WithParams(map[string]interface{}{"release_id": releaseID}))
			return
		}
		_ = c.Error(err)
		return
	}
	item := releaseView{
		ID:        r.ID,
		ReleaseID: r.ReleaseID,
		CommitSHA: r.CommitSHA,
		Status:    r.Status,
	}
	if r.DeployedAt.Valid {
		t := r.DeployedAt.Time
		item.DeployedAt = &t
	}
	c.JSON(http.StatusOK, item)
}
