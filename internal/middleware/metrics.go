// Package middleware provides the Gin middleware stack of the app usage API:
// request IDs, Prometheus metrics, rate limiting and security headers. Everything
// here is registered in internal/api/router.go ahead of the route handlers.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/app-inventory/app-inventory/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds
// for every request, labelled by the matched route template from c.FullPath().
// Unmatched requests share the "<no-route>" label so random paths cannot blow up
// label cardinality.
//
// Progress streams are counted like any other request; their duration is the length
// of the whole scan.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
