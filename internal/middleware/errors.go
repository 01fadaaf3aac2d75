package middleware

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/carelink/carelink-backend/internal/apperr"
)

// RespondError ends the request with the classification of err: taxonomy
// kind and client-safe message in the body, matching status code, kind
// stashed for the audit trail. Internal causes are logged server-side and
// never reach the client.
func RespondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal || kind == apperr.KindDependency {
		slog.Error("request failed",
			"route", c.FullPath(),
			"kind", string(kind),
			"request_id", c.GetString(RequestIDKey),
			"error", err)
	}
	AbortWithKind(c, kind, apperr.Message(err))
}
