// Package middleware provides the Gin HTTP middleware chain. Everything here
// is registered in internal/api/router.go ahead of the route handlers so
// every request is covered regardless of handler.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/carelink/carelink-backend/internal/telemetry"
)

// Metrics records http_requests_total{method,path,status} and
// http_request_duration_seconds{method,path} for every request. The path
// label uses the matched route template (c.FullPath()), not the raw URL, so
// per-ID paths do not explode label cardinality; unmatched requests are
// bucketed under "<no-route>".
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
