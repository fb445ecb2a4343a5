// Package main is the entrypoint for the Tollgate server: a multi-tenant
// license and quota enforcement service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantech/tollgate/internal/api"
	"github.com/quantech/tollgate/internal/clock"
	"github.com/quantech/tollgate/internal/config"
	"github.com/quantech/tollgate/internal/db"
	"github.com/quantech/tollgate/internal/identity"
	"github.com/quantech/tollgate/internal/kvstore"
	"github.com/quantech/tollgate/internal/licensing"
	"github.com/quantech/tollgate/internal/maintenance"
	"github.com/quantech/tollgate/internal/metrics"
	"github.com/quantech/tollgate/internal/quota"
	"github.com/quantech/tollgate/internal/token"
	"github.com/rs/zerolog"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if os.Getenv("ENV") != string(config.EnvProduction) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("starting Tollgate server")

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load configuration")
		return 1
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return 1
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to run migrations")
		return 1
	}

	var kv kvstore.Store
	if cfg.RedisURL != "" {
		redisKV, err := kvstore.NewRedis(cfg.RedisURL, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to redis")
			return 1
		}
		defer redisKV.Close()
		if err := redisKV.Ping(ctx); err != nil {
			logger.Error().Err(err).Msg("redis unreachable")
			return 1
		}
		kv = redisKV
	} else {
		// Single-node fallback; counters do not survive restarts and are
		// reseeded from the durable store.
		logger.Warn().Msg("REDIS_URL not set, using in-memory counters")
		kv = kvstore.NewMemory()
	}

	clk := clock.New()

	codec, err := token.NewCodec([]byte(cfg.JWTSecret), cfg.TokenTTL, clk)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build token codec")
		return 1
	}

	engine := quota.NewEngine(kv, clk, logger)
	resolver := identity.NewResolver(database, engine, clk, logger)
	licenseService := licensing.NewService(database, engine, codec, clk, logger)
	aggregator := metrics.NewAggregator(database, clk, logger)

	janitor := maintenance.NewJanitor(database, engine, maintenance.DefaultConfig(), clk, logger)
	if err := janitor.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to start maintenance schedules")
		return 1
	}
	defer janitor.Stop()

	router, err := api.NewRouter(api.Config{
		Environment:       string(cfg.Environment),
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitPeriod:   cfg.RateLimitPeriod,
		RedisURL:          cfg.RedisURL,
		BodyLimitBytes:    cfg.BodyLimitBytes,
	}, api.Deps{
		DB:       database,
		KV:       kv,
		Quota:    engine,
		Codec:    codec,
		Resolver: resolver,
		Licenses: licenseService,
		Metrics:  aggregator,
		Clock:    clk,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build router")
		return 1
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
			return 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return 1
	}

	logger.Info().Msg("server stopped")
	return 0
}
