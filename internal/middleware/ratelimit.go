// ratelimit.go applies keyed request limits at the HTTP boundary. The actual
// counting lives in internal/ratelimit; this file keys requests, maps
// operations to their configured limits, and translates refusals into 429
// responses with a Retry-After header.
package middleware

import (
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/carelink/carelink-backend/internal/apperr"
	"github.com/carelink/carelink-backend/internal/config"
	"github.com/carelink/carelink-backend/internal/ratelimit"
	"github.com/carelink/carelink-backend/internal/telemetry"
)

// Operations with dedicated limits.
const (
	OpGlobal = "global"
	OpVerify = "verify"
	OpShare  = "share"
	OpLogin  = "login"
)

// Limits holds the current rate-limit configuration behind an atomic pointer
// so the config watcher can swap it without restarting the server. Reads on
// the request path are lock-free.
type Limits struct {
	v atomic.Pointer[config.RateLimitingConfig]
}

// NewLimits creates Limits seeded from cfg.
func NewLimits(cfg config.RateLimitingConfig) *Limits {
	l := &Limits{}
	l.v.Store(&cfg)
	return l
}

// Update replaces the active limits. Wired to config.Watch.
func (l *Limits) Update(cfg config.RateLimitingConfig) {
	l.v.Store(&cfg)
	slog.Info("rate limits updated",
		"requests_per_minute", cfg.RequestsPerMinute,
		"verify_per_minute", cfg.VerifyPerMinute,
		"share_per_hour", cfg.SharePerHour,
		"login_per_minute", cfg.LoginPerMinute)
}

// Current returns the active limits.
func (l *Limits) Current() config.RateLimitingConfig {
	return *l.v.Load()
}

// limitFor resolves an operation to its current limit and window.
func (l *Limits) limitFor(operation string) (int, time.Duration) {
	cfg := l.Current()
	switch operation {
	case OpVerify:
		return cfg.VerifyPerMinute, time.Minute
	case OpShare:
		return cfg.SharePerHour, time.Hour
	case OpLogin:
		return cfg.LoginPerMinute, time.Minute
	default:
		return cfg.RequestsPerMinute, time.Minute
	}
}

// RateLimitPerIP limits the operation per client IP. Used on anonymous
// endpoints where the IP is the only stable key.
func RateLimitPerIP(store ratelimit.Store, limits *Limits, operation string) gin.HandlerFunc {
	return rateLimit(store, limits, operation, func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// RateLimitPerUser limits the operation per authenticated user, falling back
// to the client IP when no identity is set. Register after Auth.
func RateLimitPerUser(store ratelimit.Store, limits *Limits, operation string) gin.HandlerFunc {
	return rateLimit(store, limits, operation, func(c *gin.Context) string {
		if ident, ok := CurrentIdentity(c); ok {
			return ident.UserID
		}
		return c.ClientIP()
	})
}

func rateLimit(store ratelimit.Store, limits *Limits, operation string, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, window := limits.limitFor(operation)
		if limit <= 0 {
			c.Next()
			return
		}

		key := operation + ":" + keyFunc(c)
		decision, err := store.Allow(c.Request.Context(), key, limit, window)
		if err != nil {
			// A broken limiter backend must not take the API down with it:
			// log, count nothing, and let the request through.
			slog.Error("rate limiter unavailable, allowing request", "operation", operation, "error", err)
			c.Next()
			return
		}

		if !decision.Allowed {
			telemetry.RateLimitRejectionsTotal.WithLabelValues(operation).Inc()
			retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithKind(c, apperr.KindRateLimited, "too many requests; slow down and retry later")
			return
		}

		c.Next()
	}
}
