// Package flags implements the admin review surface over activity flags.
package flags

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/carelink/carelink-backend/internal/apperr"
	"github.com/carelink/carelink-backend/internal/flags"
	"github.com/carelink/carelink-backend/internal/middleware"
)

// Handlers holds the dependencies of the flag endpoints.
type Handlers struct {
	svc *flags.Service
}

// NewHandlers creates the flag endpoint handlers.
func NewHandlers(svc *flags.Service) *Handlers {
	return &Handlers{svc: svc}
}

// ListHandler returns flags, optionally filtered by status. Admin only.
// GET /api/v1/flags?status=&page=&per_page=
func (h *Handlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
		if page < 1 {
			page = 1
		}
		if perPage < 1 || perPage > 200 {
			perPage = 50
		}

		flagList, err := h.svc.List(c.Request.Context(), c.Query("status"), perPage, (page-1)*perPage)
		if err != nil {
			middleware.RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"flags": flagList,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
			},
		})
	}
}

type reviewRequest struct {
	Status string `json:"status"`
}

// ReviewHandler moves a flag through its review workflow. Admin only.
// PATCH /api/v1/flags/:id
func (h *Handlers) ReviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.CurrentIdentity(c)
		if !ok {
			middleware.AbortWithKind(c, apperr.KindUnauthenticated, "authorization required")
			return
		}

		var req reviewRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
			middleware.AbortWithKind(c, apperr.KindInvalidFormat, "status is required")
			return
		}

		flag, err := h.svc.Review(c.Request.Context(), c.Param("id"), req.Status, ident.UserID)
		if err != nil {
			middleware.RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"flag": flag})
	}
}
