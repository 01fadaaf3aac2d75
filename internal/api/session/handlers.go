// Package session implements authentication endpoints: login for existing
// accounts and code-gated signup for new customers.
package session

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/carelink/carelink-backend/internal/apperr"
	"github.com/carelink/carelink-backend/internal/auth"
	"github.com/carelink/carelink-backend/internal/codes"
	"github.com/carelink/carelink-backend/internal/db/models"
	"github.com/carelink/carelink-backend/internal/middleware"
)

var emailShape = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// userStore is the persistence surface the session endpoints need.
type userStore interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
}

// Handlers holds the dependencies of the session endpoints.
type Handlers struct {
	users    userStore
	registry *codes.Registry
	tokenTTL time.Duration
	// boundaryTimeout caps the database work per request so a stalled pool
	// cannot hold client connections open indefinitely.
	boundaryTimeout time.Duration
}

// NewHandlers creates the session endpoint handlers.
func NewHandlers(users userStore, registry *codes.Registry, tokenTTL, boundaryTimeout time.Duration) *Handlers {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	if boundaryTimeout <= 0 {
		boundaryTimeout = 10 * time.Second
	}
	return &Handlers{users: users, registry: registry, tokenTTL: tokenTTL, boundaryTimeout: boundaryTimeout}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginHandler exchanges credentials for a JWT. Unknown email and wrong
// password produce the same response so the endpoint cannot be used to
// enumerate accounts. Rate limited per client IP by the router.
// POST /api/v1/auth/login
func (h *Handlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
			middleware.AbortWithKind(c, apperr.KindInvalidFormat, "email and password are required")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), h.boundaryTimeout)
		defer cancel()

		user, err := h.users.GetByEmail(ctx, req.Email)
		if err != nil {
			middleware.RespondError(c, apperr.Wrap(apperr.KindDependency, "store unavailable", err))
			return
		}
		if user == nil || auth.CheckPassword(user.PasswordHash, req.Password) != nil {
			middleware.AbortWithKind(c, apperr.KindUnauthenticated, "invalid email or password")
			return
		}

		token, err := auth.GenerateJWT(user.ID, user.Email, auth.Role(user.Role), h.tokenTTL)
		if err != nil {
			middleware.RespondError(c, apperr.Wrap(apperr.KindInternal, "could not issue token", err))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"expires_in": int(h.tokenTTL.Seconds()),
			"role":       user.Role,
		})
	}
}

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Code     string `json:"code"`
}

// SignupHandler creates a customer account by redeeming a signup code. The
// code is consumed and the account created in that order; a rejected code
// never creates an account. Rate limited per client IP by the router.
// POST /api/v1/auth/signup
func (h *Handlers) SignupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req signupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithKind(c, apperr.KindInvalidFormat, "request body must be valid JSON")
			return
		}
		if !emailShape.MatchString(req.Email) {
			middleware.AbortWithKind(c, apperr.KindInvalidFormat, "email must be a valid email address")
			return
		}
		if len(req.Password) < 8 {
			middleware.AbortWithKind(c, apperr.KindInvalidFormat, "password must be at least 8 characters")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), h.boundaryTimeout)
		defer cancel()

		existing, err := h.users.GetByEmail(ctx, req.Email)
		if err != nil {
			middleware.RespondError(c, apperr.Wrap(apperr.KindDependency, "store unavailable", err))
			return
		}
		if existing != nil {
			middleware.AbortWithKind(c, apperr.KindEmailTaken, "an account with this email already exists")
			return
		}

		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			middleware.RespondError(c, apperr.Wrap(apperr.KindInternal, "could not hash password", err))
			return
		}

		// Redeem before creating the account: a rejected code must never
		// leave an account behind. The user ID is fixed up front so the
		// redemption row references the account about to exist.
		userID := uuid.New().String()
		result, err := h.registry.Redeem(ctx, req.Code, codes.Redeemer{
			ID:    userID,
			Email: req.Email,
			Role:  string(auth.RoleCustomer),
		})
		if err != nil {
			middleware.RespondError(c, err)
			return
		}

		user := &models.User{
			ID:           userID,
			Email:        req.Email,
			PasswordHash: hash,
			Role:         string(auth.RoleCustomer),
		}
		if err := h.users.Create(ctx, user); err != nil {
			middleware.RespondError(c, apperr.Wrap(apperr.KindDependency, "store unavailable", err))
			return
		}

		token, err := auth.GenerateJWT(userID, req.Email, auth.RoleCustomer, h.tokenTTL)
		if err != nil {
			middleware.RespondError(c, apperr.Wrap(apperr.KindInternal, "could not issue token", err))
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"token":      token,
			"expires_in": int(h.tokenTTL.Seconds()),
			"redemption": result,
		})
	}
}
