package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegistryObserveRequest(t *testing.T) {
	r := NewRegistry()
	r.ObserveRequest("GET", "/api/runs", 200, 25*time.Millisecond)
	r.ObserveRequest("GET", "/api/runs", 200, 30*time.Millisecond)
	r.ObserveRequest("POST", "/api/runs", 422, time.Millisecond)

	require.Equal(t, float64(2),
		testutil.ToFloat64(r.HTTPRequests.WithLabelValues("GET", "/api/runs", "2xx")))
	require.Equal(t, float64(1),
		testutil.ToFloat64(r.HTTPRequests.WithLabelValues("POST", "/api/runs", "4xx")))
}

func TestRegistryRefresh(t *testing.T) {
	r := NewRegistry()
	r.Refresh(map[string]int64{"queued": 3, "merged": 7}, 3)

	require.Equal(t, float64(3), testutil.ToFloat64(r.QueueDepth))
	require.Equal(t, float64(3), testutil.ToFloat64(r.RunsByStatus.WithLabelValues("queued")))
	require.Equal(t, float64(7), testutil.ToFloat64(r.RunsByStatus.WithLabelValues("merged")))
	require.Equal(t, float64(0), testutil.ToFloat64(r.RunsByStatus.WithLabelValues("failed")))
}
