// Package api wires together all HTTP routes for the CareLink backend.
//
// Route grouping:
//   - /api/v1/codes/verify, /api/v1/auth/* are unauthenticated: verification
//     and signup happen before the caller has an account, and login is how
//     they get a token. All three carry per-IP rate limits instead.
//   - Everything else under /api/v1 requires a bearer token; admin surfaces
//     additionally require the admin role.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	auditlogapi "github.com/carelink/carelink-backend/internal/api/auditlog"
	codesapi "github.com/carelink/carelink-backend/internal/api/codes"
	flagsapi "github.com/carelink/carelink-backend/internal/api/flags"
	securityapi "github.com/carelink/carelink-backend/internal/api/security"
	sessionapi "github.com/carelink/carelink-backend/internal/api/session"
	"github.com/carelink/carelink-backend/internal/audit"
	"github.com/carelink/carelink-backend/internal/auth"
	"github.com/carelink/carelink-backend/internal/codes"
	"github.com/carelink/carelink-backend/internal/config"
	"github.com/carelink/carelink-backend/internal/db/repositories"
	"github.com/carelink/carelink-backend/internal/flags"
	"github.com/carelink/carelink-backend/internal/jobs"
	"github.com/carelink/carelink-backend/internal/middleware"
	"github.com/carelink/carelink-backend/internal/notify"
	"github.com/carelink/carelink-backend/internal/ratelimit"
	"github.com/carelink/carelink-backend/internal/safego"
	"github.com/carelink/carelink-backend/internal/selftest"
)

// BackgroundServices holds the background goroutines and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) calls
// Shutdown after the HTTP server has drained.
type BackgroundServices struct {
	sweeper    *jobs.Sweeper
	memLimiter *ratelimit.MemoryStore
	shippers   []audit.Shipper
}

// Shutdown stops all background goroutines and closes the audit shippers.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.sweeper != nil {
		bg.sweeper.Stop()
	}
	if bg.memLimiter != nil {
		bg.memLimiter.Stop()
	}
	for _, s := range bg.shippers {
		if err := s.Close(); err != nil {
			slog.Warn("failed to close audit shipper", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router and starts the background
// services.
func NewRouter(cfg *config.Config, dbConn *sql.DB) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeaders(middleware.APISecurityHeadersConfig()))

	bg := &BackgroundServices{}

	// Repositories. The signup-code and audit repositories run raw SQL over
	// *sql.DB; the user and flag repositories map rows via sqlx.
	sqlxDB := sqlx.NewDb(dbConn, "postgres")
	codeRepo := repositories.NewSignupCodeRepository(dbConn)
	auditRepo := repositories.NewAuditRepository(dbConn)
	userRepo := repositories.NewUserRepository(sqlxDB)
	flagRepo := repositories.NewActivityFlagRepository(sqlxDB)

	// Audit logger with optional external shippers.
	shippers, err := audit.NewShippers(cfg.Audit.Shippers)
	if err != nil {
		slog.Error("audit shipper configuration rejected", "error", err)
	}
	bg.shippers = shippers
	auditLogger := audit.NewLogger(auditRepo, shippers)

	// Rate limiting: Redis when configured (correct across replicas),
	// in-memory otherwise.
	var limiterStore ratelimit.Store
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiterStore = ratelimit.NewRedisStore(client)
		slog.Info("rate limiting backed by redis", "address", cfg.Redis.Address)
	} else {
		mem := ratelimit.NewMemoryStore(time.Minute)
		bg.memLimiter = mem
		limiterStore = mem
	}

	limits := middleware.NewLimits(cfg.Security.RateLimiting)
	cfg.Watch(limits.Update)

	// Domain services.
	issueWindow := 24 * time.Hour
	registry := codes.NewRegistry(codeRepo, userRepo, limiterStore,
		cfg.Security.RateLimiting.CodeIssuePerDay, issueWindow)
	flagSvc := flags.NewService(flagRepo, auditLogger)
	mailer := notify.NewSMTPMailer(&cfg.Notifications)
	runner := selftest.NewRunner(cfg.Server.BaseURL, auditLogger, flagSvc, cfg.SelfTest.RunTimeout)

	// Handlers.
	codeHandlers := codesapi.NewHandlers(registry, mailer, cfg.Server.BoundaryTimeout)
	sessionHandlers := sessionapi.NewHandlers(userRepo, registry, cfg.Auth.TokenTTL, cfg.Server.BoundaryTimeout)
	auditHandlers := auditlogapi.NewHandlers(auditLogger)
	flagHandlers := flagsapi.NewHandlers(flagSvc)
	securityHandlers := securityapi.NewHandlers(runner)

	router.GET("/healthz", healthzHandler(dbConn))
	router.GET("/version", versionHandler())

	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.Audit(auditLogger))
	{
		// Public endpoints, rate limited per client IP.
		apiV1.POST("/codes/verify",
			middleware.RateLimitPerIP(limiterStore, limits, middleware.OpVerify),
			codeHandlers.VerifyHandler())
		apiV1.POST("/auth/login",
			middleware.RateLimitPerIP(limiterStore, limits, middleware.OpLogin),
			sessionHandlers.LoginHandler())
		apiV1.POST("/auth/signup",
			middleware.RateLimitPerIP(limiterStore, limits, middleware.OpLogin),
			sessionHandlers.SignupHandler())

		// Authenticated endpoints. The general per-actor ceiling sits right
		// behind auth so no credentialed caller, redeem guessers included,
		// escapes a limit.
		authed := apiV1.Group("")
		authed.Use(middleware.Auth())
		authed.Use(middleware.RateLimitPerUser(limiterStore, limits, middleware.OpGlobal))
		{
			authed.POST("/codes/redeem", codeHandlers.RedeemHandler())

			// Code lifecycle: doctors (and admins) only. Ownership is
			// enforced inside the registry.
			owners := authed.Group("")
			owners.Use(middleware.RequireRole(auth.RoleDoctor, auth.RoleAdmin))
			{
				owners.POST("/codes", codeHandlers.IssueHandler())
				owners.GET("/codes/:id/usage-history", codeHandlers.UsageHistoryHandler())
				owners.POST("/codes/:id/revoke", codeHandlers.RevokeHandler())
				owners.POST("/codes/:id/share-email",
					middleware.RateLimitPerUser(limiterStore, limits, middleware.OpShare),
					codeHandlers.ShareEmailHandler())
			}

			// Admin surfaces.
			admins := authed.Group("")
			admins.Use(middleware.RequireRole(auth.RoleAdmin))
			{
				admins.GET("/audit-logs", auditHandlers.QueryHandler())
				admins.GET("/flags", flagHandlers.ListHandler())
				admins.PATCH("/flags/:id", flagHandlers.ReviewHandler())
				admins.POST("/security/self-test", securityHandlers.StartHandler())
				admins.GET("/security/self-test", securityHandlers.StatusHandler())
			}
		}
	}

	// Background loops.
	// The sweeper is stopped via BackgroundServices.Shutdown rather than
	// context cancellation.
	sweeper := jobs.NewSweeper(auditRepo, flagSvc, runner, 5*time.Minute)
	bg.sweeper = sweeper
	safego.Go(func() {
		sweeper.Start(context.Background())
	})

	return router, bg
}

// healthzHandler reports liveness including database connectivity.
func healthzHandler(dbConn *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := dbConn.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version.
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware emits one structured log record per request.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", c.GetString(middleware.RequestIDKey)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles cross-origin requests against the configured
// allowlist.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
