// Package auditlog implements the admin read surface over the audit trail.
// The trail is append-only: this package exposes queries and nothing else.
package auditlog

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/carelink/carelink-backend/internal/apperr"
	"github.com/carelink/carelink-backend/internal/audit"
	"github.com/carelink/carelink-backend/internal/db/repositories"
	"github.com/carelink/carelink-backend/internal/middleware"
)

// Handlers holds the dependencies of the audit-log endpoints.
type Handlers struct {
	logger *audit.Logger
}

// NewHandlers creates the audit-log endpoint handlers.
func NewHandlers(logger *audit.Logger) *Handlers {
	return &Handlers{logger: logger}
}

// QueryHandler returns audit entries filtered by actor, action, outcome, and
// time range. Admin only (enforced by the router).
// GET /api/v1/audit-logs?actor_id=&action=&outcome=&start=&end=&page=&per_page=
func (h *Handlers) QueryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
		if page < 1 {
			page = 1
		}
		if perPage < 1 || perPage > 200 {
			perPage = 50
		}

		filters := repositories.AuditFilters{}
		if raw := c.Query("actor_id"); raw != "" {
			filters.ActorID = &raw
		}
		if raw := c.Query("action"); raw != "" {
			filters.Action = &raw
		}
		if raw := c.Query("outcome"); raw != "" {
			filters.Outcome = &raw
		}
		if raw := c.Query("start"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				middleware.AbortWithKind(c, apperr.KindInvalidFormat, "start must be an RFC3339 timestamp")
				return
			}
			filters.StartDate = &t
		}
		if raw := c.Query("end"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				middleware.AbortWithKind(c, apperr.KindInvalidFormat, "end must be an RFC3339 timestamp")
				return
			}
			filters.EndDate = &t
		}

		entries, total, err := h.logger.Query(c.Request.Context(), filters, perPage, (page-1)*perPage)
		if err != nil {
			middleware.RespondError(c, apperr.Wrap(apperr.KindDependency, "store unavailable", err))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"entries": entries,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}
