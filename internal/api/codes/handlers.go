// Package codes implements the HTTP handlers for the signup-code lifecycle:
// issue, verify, redeem, share, revoke, and usage history.
package codes

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/carelink/carelink-backend/internal/apperr"
	"github.com/carelink/carelink-backend/internal/audit"
	"github.com/carelink/carelink-backend/internal/codes"
	"github.com/carelink/carelink-backend/internal/middleware"
	"github.com/carelink/carelink-backend/internal/notify"
	"github.com/carelink/carelink-backend/internal/telemetry"
)

// emailShape is a light syntactic check on share recipients; real
// verification is the delivery itself.
var emailShape = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Handlers holds the dependencies of the code endpoints.
type Handlers struct {
	registry *codes.Registry
	mailer   notify.Mailer
	// boundaryTimeout caps every downstream call (store, mail) per request.
	boundaryTimeout time.Duration
}

// NewHandlers creates the code endpoint handlers.
func NewHandlers(registry *codes.Registry, mailer notify.Mailer, boundaryTimeout time.Duration) *Handlers {
	if boundaryTimeout <= 0 {
		boundaryTimeout = 10 * time.Second
	}
	return &Handlers{registry: registry, mailer: mailer, boundaryTimeout: boundaryTimeout}
}

// boundaryCtx derives the request context that downstream calls run on. A
// stalled store or mail relay surfaces as DEPENDENCY_UNAVAILABLE instead of
// holding the connection open.
func (h *Handlers) boundaryCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.boundaryTimeout)
}

type issueRequest struct {
	MaxUses  int `json:"max_uses"`
	TTLHours int `json:"ttl_hours"`
}

// IssueHandler creates a new signup code for the calling doctor.
// POST /api/v1/codes
func (h *Handlers) IssueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.CurrentIdentity(c)
		if !ok {
			middleware.AbortWithKind(c, apperr.KindUnauthenticated, "authorization required")
			return
		}

		var req issueRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				middleware.AbortWithKind(c, apperr.KindInvalidFormat, "request body must be valid JSON")
				return
			}
		}
		if req.MaxUses < 0 || req.TTLHours < 0 {
			middleware.AbortWithKind(c, apperr.KindInvalidFormat, "max_uses and ttl_hours must not be negative")
			return
		}

		ctx, cancel := h.boundaryCtx(c)
		defer cancel()
		code, err := h.registry.Issue(ctx, ident.UserID, codes.IssueParams{
			MaxUses: req.MaxUses,
			TTL:     time.Duration(req.TTLHours) * time.Hour,
		})
		if err != nil {
			middleware.RespondError(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{"code": code})
	}
}

type verifyRequest struct {
	Code string `json:"code"`
}

// VerifyHandler answers whether a code is currently redeemable, without
// consuming a use. Public; rate limited per client IP by the router.
// POST /api/v1/codes/verify
func (h *Handlers) VerifyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithKind(c, apperr.KindInvalidFormat, "request body must be valid JSON")
			return
		}

		ctx, cancel := h.boundaryCtx(c)
		defer cancel()
		result, err := h.registry.Verify(ctx, req.Code)
		if err != nil {
			middleware.RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// RedeemHandler consumes one use of a code on behalf of the caller.
// POST /api/v1/codes/redeem
func (h *Handlers) RedeemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.CurrentIdentity(c)
		if !ok {
			middleware.AbortWithKind(c, apperr.KindUnauthenticated, "authorization required")
			return
		}

		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithKind(c, apperr.KindInvalidFormat, "request body must be valid JSON")
			return
		}

		ctx, cancel := h.boundaryCtx(c)
		defer cancel()
		result, err := h.registry.Redeem(ctx, req.Code, codes.Redeemer{
			ID:    ident.UserID,
			Email: ident.Email,
			Role:  string(ident.Role),
		})
		if err != nil {
			middleware.RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// UsageHistoryHandler lists the redemptions of a code the caller owns.
// GET /api/v1/codes/:id/usage-history
func (h *Handlers) UsageHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.CurrentIdentity(c)
		if !ok {
			middleware.AbortWithKind(c, apperr.KindUnauthenticated, "authorization required")
			return
		}

		ctx, cancel := h.boundaryCtx(c)
		defer cancel()
		history, err := h.registry.UsageHistory(ctx, c.Param("id"), ident.UserID)
		if err != nil {
			middleware.RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"redemptions": history,
			"total":       len(history),
		})
	}
}

// RevokeHandler deactivates a code the caller owns.
// POST /api/v1/codes/:id/revoke
func (h *Handlers) RevokeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.CurrentIdentity(c)
		if !ok {
			middleware.AbortWithKind(c, apperr.KindUnauthenticated, "authorization required")
			return
		}

		ctx, cancel := h.boundaryCtx(c)
		defer cancel()
		if err := h.registry.Revoke(ctx, c.Param("id"), ident.UserID); err != nil {
			middleware.RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"revoked": true})
	}
}

type shareRequest struct {
	RecipientEmail string `json:"recipient_email"`
}

// ShareEmailHandler mails the caller's code to a recipient. Ownership is
// checked first; the recipient address goes to the SMTP envelope only and is
// masked everywhere else. Rate limited per owner by the router.
// POST /api/v1/codes/:id/share-email
func (h *Handlers) ShareEmailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := middleware.CurrentIdentity(c)
		if !ok {
			middleware.AbortWithKind(c, apperr.KindUnauthenticated, "authorization required")
			return
		}

		var req shareRequest
		if err := c.ShouldBindJSON(&req); err != nil || !emailShape.MatchString(req.RecipientEmail) {
			middleware.AbortWithKind(c, apperr.KindInvalidFormat, "recipient_email must be a valid email address")
			return
		}

		ctx, cancel := h.boundaryCtx(c)
		defer cancel()

		code, err := h.registry.GetOwned(ctx, c.Param("id"), ident.UserID)
		if err != nil {
			middleware.RespondError(c, err)
			return
		}
		if !code.IsActive {
			middleware.AbortWithKind(c, apperr.KindInvalidCode, "this code has been revoked")
			return
		}

		hospital := "your hospital"
		if info, err := h.registry.HospitalFor(ctx, code.OwnerID); err == nil && info.Name != "" {
			hospital = info.Name
		}

		if err := h.mailer.SendCodeShare(ctx, req.RecipientEmail, code.Code, hospital); err != nil {
			middleware.RespondError(c, apperr.Wrap(apperr.KindDependency, "could not send the share email", err))
			return
		}

		telemetry.ShareEmailsSentTotal.Inc()
		c.JSON(http.StatusOK, gin.H{
			"sent":      true,
			"recipient": audit.MaskEmail(req.RecipientEmail),
		})
	}
}
