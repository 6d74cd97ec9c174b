package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"codexplane.io/controlplane/internal/api/middleware"
	"codexplane.io/controlplane/internal/pkg/logger"
	"codexplane.io/controlplane/internal/runs"
	"codexplane.io/controlplane/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
	_ = logger.Init("error", "json")
}

// newRunsRouter wires the run endpoints against a real store.
func newRunsRouter(t *testing.T) *gin.Engine {
	t.Helper()

	pool := testutil.OpenMigratedPool(t, "handlers_"+t.Name())
	server := NewServer(ServerDeps{Pool: pool, Runs: runs.NewService(pool)})

	router := gin.New()
	router.Use(middleware.TraceID(), middleware.ErrorHandler())
	api := router.Group("/api")
	api.POST("/runs", server.CreateRun)
	api.GET("/runs", server.ListRuns)
	api.GET("/runs/contract", server.LifecycleContract)
	api.GET("/runs/:id", server.GetRun)
	api.POST("/runs/:id/transition", server.TransitionRun)
	api.POST("/runs/:id/cancel", server.CancelRun)
	api.GET("/runs/:id/events", server.ListRunEvents)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRunEndpoints_CreateTransitionCancel(t *testing.T) {
	router := newRunsRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/runs", gin.H{
		"prompt": "Change the header color to blue",
		"route":  "/home",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	created := decodeBody(t, rec)
	runID, _ := created["id"].(string)
	require.NotEmpty(t, runID)
	require.Equal(t, "queued", created["status"])
	require.NotEmpty(t, rec.Header().Get(middleware.TraceIDHeader))

	rec = doJSON(t, router, http.MethodPost, "/api/runs/"+runID+"/transition", gin.H{
		"to_status": "planning",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "planning", decodeBody(t, rec)["status"])

	// An illegal edge is a 409 with the transition code.
	rec = doJSON(t, router, http.MethodPost, "/api/runs/"+runID+"/transition", gin.H{
		"to": "merged",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "INVALID_TRANSITION", decodeBody(t, rec)["code"])

	// A failure reason on a non-failed target is a 409, expiry included.
	rec = doJSON(t, router, http.MethodPost, "/api/runs/"+runID+"/transition", gin.H{
		"to_status":           "expired",
		"failure_reason_code": "CHECKS_FAILED",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "INVALID_TRANSITION", decodeBody(t, rec)["code"])

	rec = doJSON(t, router, http.MethodPost, "/api/runs/"+runID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "canceled", decodeBody(t, rec)["status"])

	rec = doJSON(t, router, http.MethodGet, "/api/runs/"+runID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items, _ := decodeBody(t, rec)["items"].([]interface{})
	require.Len(t, items, 3) // run_created + planning + canceled
}

func TestRunEndpoints_ValidationAndNotFound(t *testing.T) {
	router := newRunsRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/runs", gin.H{"prompt": ""})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/runs/run-missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "RUN_NOT_FOUND", decodeBody(t, rec)["code"])
}

func TestRunEndpoints_Contract(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "handlers_contract")
	server := NewServer(ServerDeps{Pool: pool, Runs: runs.NewService(pool)})

	router := gin.New()
	router.GET("/api/runs/contract", server.LifecycleContract)

	rec := doJSON(t, router, http.MethodGet, "/api/runs/contract", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	states, _ := body["states"].([]interface{})
	require.Len(t, states, 13)
	require.Equal(t, float64(1), body["schema_version"])
}
