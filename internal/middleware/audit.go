// audit.go records the terminal outcome of security-relevant requests: every
// write operation plus every refused read. The entry is handed to the audit
// logger before the middleware returns; a broken sink is counted and logged
// inside the logger and never fails the request.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/carelink/carelink-backend/internal/audit"
	"github.com/carelink/carelink-backend/internal/db/models"
)

// auditActions maps method + route template to a stable audit action name.
// Routes absent from the map fall back to "METHOD template".
var auditActions = map[string]string{
	"POST /api/v1/codes":                  "code.issue",
	"POST /api/v1/codes/verify":           "code.verify",
	"POST /api/v1/codes/redeem":           "code.redeem",
	"POST /api/v1/codes/:id/revoke":       "code.revoke",
	"POST /api/v1/codes/:id/share-email":  "code.share",
	"GET /api/v1/codes/:id/usage-history": "code.usage_history",
	"POST /api/v1/auth/login":             "auth.login",
	"POST /api/v1/auth/signup":            "auth.signup",
	"GET /api/v1/audit-logs":              "audit.query",
	"GET /api/v1/flags":                   "flag.list",
	"PATCH /api/v1/flags/:id":             "flag.review",
	"POST /api/v1/security/self-test":     "selftest.start",
	"GET /api/v1/security/self-test":      "selftest.status",
}

// Audit records request outcomes through the audit logger. Successful reads
// are skipped; everything else — writes, denials, failures — produces one
// immutable entry with masked client data.
func Audit(logger *audit.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		if c.Request.Method == http.MethodOptions {
			return
		}
		status := c.Writer.Status()
		if c.Request.Method == http.MethodGet && status < 400 {
			return
		}

		route := c.FullPath()
		if route == "" {
			// Unrouted probes (404 scans) are noise, not decisions.
			return
		}

		entry := audit.Entry{
			Action:    auditActionFor(c.Request.Method, route),
			Outcome:   outcomeForStatus(status),
			ErrorKind: c.GetString(ErrorKindKey),
			IPAddress: c.ClientIP(),
			Details: map[string]interface{}{
				"route":      route,
				"status":     status,
				"request_id": c.GetString(RequestIDKey),
			},
			Duration: time.Since(start),
		}
		if ident, ok := CurrentIdentity(c); ok {
			entry.ActorID = ident.UserID
		}

		// Synchronous so the outcome is recorded before control leaves the
		// middleware chain. The request context may already be canceled at
		// this point, so the write gets its own deadline.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Record(ctx, entry)
	}
}

func auditActionFor(method, route string) string {
	if action, ok := auditActions[method+" "+route]; ok {
		return action
	}
	return method + " " + route
}

// outcomeForStatus folds an HTTP status into the three audit outcomes.
// Refusals of authorization, authentication, or quota are "denied"; other
// non-2xx statuses are "failure".
func outcomeForStatus(status int) string {
	switch {
	case status < 400:
		return models.AuditOutcomeSuccess
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusTooManyRequests:
		return models.AuditOutcomeDenied
	default:
		return models.AuditOutcomeFailure
	}
}
