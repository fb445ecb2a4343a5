// Package api provides the HTTP API for the Tollgate server.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/quantech/tollgate/internal/api/handlers"
	"github.com/quantech/tollgate/internal/api/middleware"
	"github.com/quantech/tollgate/internal/clock"
	"github.com/quantech/tollgate/internal/db"
	"github.com/quantech/tollgate/internal/identity"
	"github.com/quantech/tollgate/internal/kvstore"
	"github.com/quantech/tollgate/internal/licensing"
	"github.com/quantech/tollgate/internal/metrics"
	"github.com/quantech/tollgate/internal/quota"
	"github.com/quantech/tollgate/internal/token"
	"github.com/rs/zerolog"
)

// Config holds configuration for the API router.
type Config struct {
	// Environment is the deployment environment (development, staging,
	// production).
	Environment string
	// AllowedOrigins for CORS. Empty means all origins allowed in dev mode.
	AllowedOrigins []string
	// RateLimitRequests is the number of requests allowed per period.
	RateLimitRequests int64
	// RateLimitPeriod is the duration string for rate limiting (e.g. "1m").
	RateLimitPeriod string
	// RedisURL enables Redis-backed distributed rate limiting when set.
	RedisURL string
	// BodyLimitBytes caps request body sizes.
	BodyLimitBytes int64
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		Environment:       "development",
		RateLimitRequests: 100,
		RateLimitPeriod:   "1m",
		BodyLimitBytes:    1 << 20,
	}
}

// Deps carries the constructed services the router binds together.
type Deps struct {
	DB       *db.DB
	KV       kvstore.Store
	Quota    *quota.Engine
	Codec    *token.Codec
	Resolver *identity.Resolver
	Licenses *licensing.Service
	Metrics  *metrics.Aggregator
	Clock    clock.Clock
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Deps, logger zerolog.Logger) (*Router, error) {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.BodyLimit(cfg.BodyLimitBytes))
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.CORS(cfg.AllowedOrigins))

	rateLimiter, err := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	r.Engine.Use(rateLimiter)

	// Public routes
	healthHandler := handlers.NewHealthHandler(deps.DB, deps.KV, logger)
	healthHandler.RegisterPublicRoutes(r.Engine)

	authHandler := handlers.NewAuthHandler(deps.DB, deps.Codec, deps.Clock, logger)
	authHandler.RegisterPublicRoutes(r.Engine)

	// Bearer-authenticated routes
	authed := r.Engine.Group("/")
	authed.Use(middleware.HybridAuth(deps.Codec, deps.Resolver, logger))

	authHandler.RegisterRoutes(authed)

	appsHandler := handlers.NewApplicationsHandler(deps.DB, deps.Quota, deps.Resolver, deps.Clock, logger)
	appsHandler.RegisterRoutes(authed)

	jobsHandler := handlers.NewJobsHandler(deps.DB, deps.Quota, deps.Resolver, deps.Metrics, deps.Clock, logger)
	jobsHandler.RegisterRoutes(authed)

	quotaHandler := handlers.NewQuotaHandler(deps.Quota, deps.Resolver, deps.Clock, logger)
	quotaHandler.RegisterRoutes(authed)

	// Admin routes
	admin := authed.Group("/")
	admin.Use(middleware.RequireAdmin())

	licensesHandler := handlers.NewLicensesHandler(deps.DB, deps.Licenses, deps.Clock, logger)
	licensesHandler.RegisterRoutes(admin)

	r.logger.Info().Str("environment", cfg.Environment).Msg("router configured")
	return r, nil
}
