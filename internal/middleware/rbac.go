// rbac.go enforces role requirements on route groups. Roles come from the
// validated token claims that Auth stored in the context, so RequireRole
// must be registered after Auth.
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/carelink/carelink-backend/internal/apperr"
	"github.com/carelink/carelink-backend/internal/auth"
)

// RequireRole refuses any caller whose role is not in the allowed set. An
// unauthenticated request is 401; an authenticated caller with the wrong
// role is 403. Role checks never substitute for ownership checks, which the
// domain layer enforces separately.
func RequireRole(allowed ...auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := CurrentIdentity(c)
		if !ok {
			AbortWithKind(c, apperr.KindUnauthenticated, "authorization required")
			return
		}
		if !auth.RoleIn(ident.Role, allowed) {
			AbortWithKind(c, apperr.KindForbidden, "your role does not permit this operation")
			return
		}
		c.Next()
	}
}
