// Package security implements the admin endpoints of the security self-test
// harness.
package security

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/carelink/carelink-backend/internal/apperr"
	"github.com/carelink/carelink-backend/internal/middleware"
	"github.com/carelink/carelink-backend/internal/selftest"
)

// Handlers holds the dependencies of the self-test endpoints.
type Handlers struct {
	runner *selftest.Runner
}

// NewHandlers creates the self-test endpoint handlers.
func NewHandlers(runner *selftest.Runner) *Handlers {
	return &Handlers{runner: runner}
}

// StartHandler starts a self-test run. A run already in progress is answered
// with 409; the caller polls the status endpoint for results. Admin only.
// POST /api/v1/security/self-test
func (h *Handlers) StartHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.CurrentIdentity(c)
		if !ok {
			middleware.AbortWithKind(c, apperr.KindUnauthenticated, "authorization required")
			return
		}

		run, err := h.runner.Start(c.Request.Context(), ident.UserID)
		if err != nil {
			middleware.RespondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"run": run})
	}
}

// StatusHandler returns the latest run, finished or in flight. Admin only.
// GET /api/v1/security/self-test
func (h *Handlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"run": h.runner.Status()})
	}
}
