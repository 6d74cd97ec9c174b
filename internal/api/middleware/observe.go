package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"codexplane.io/controlplane/internal/metrics"
)

// Observe records request counts and latency per route template. Unmatched
// paths collapse into one label to keep series cardinality bounded.
func Observe(registry *metrics.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		registry.ObserveRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
