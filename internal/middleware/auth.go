// auth.go authenticates requests from the Authorization header. Tokens are
// the service's own signed JWTs, so identity and role come from validated
// claims with no database round trip on the hot path.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/carelink/carelink-backend/internal/apperr"
	"github.com/carelink/carelink-backend/internal/auth"
)

// Context keys set by Auth for downstream handlers.
const (
	UserIDKey    = "user_id"
	UserEmailKey = "user_email"
	UserRoleKey  = "user_role"

	// ErrorKindKey carries the taxonomy kind of a refused request so the
	// audit middleware can record it.
	ErrorKindKey = "error_kind"
)

// Identity is the authenticated principal of a request.
type Identity struct {
	UserID string
	Email  string
	Role   auth.Role
}

// CurrentIdentity returns the authenticated identity, or ok=false on
// unauthenticated requests.
func CurrentIdentity(c *gin.Context) (Identity, bool) {
	id := c.GetString(UserIDKey)
	if id == "" {
		return Identity{}, false
	}
	return Identity{
		UserID: id,
		Email:  c.GetString(UserEmailKey),
		Role:   auth.Role(c.GetString(UserRoleKey)),
	}, true
}

// Auth requires a valid bearer token and stores the caller's identity in the
// context. Missing, malformed, expired, or tampered tokens all end the
// request with 401 and the UNAUTHENTICATED kind.
func Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			AbortWithKind(c, apperr.KindUnauthenticated, "authorization required")
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			AbortWithKind(c, apperr.KindUnauthenticated, "authorization must be a bearer token")
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			AbortWithKind(c, apperr.KindUnauthenticated, "invalid or expired token")
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(UserEmailKey, claims.Email)
		c.Set(UserRoleKey, string(claims.Role))
		c.Next()
	}
}

// AbortWithKind ends the request with the kind's status code and the uniform
// error body. The kind is stashed in the context for the audit middleware.
func AbortWithKind(c *gin.Context, kind apperr.Kind, message string) {
	c.Set(ErrorKindKey, string(kind))
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), gin.H{
		"error":   string(kind),
		"message": message,
	})
}
