package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult represents the result of one component check.
type HealthCheckResult struct {
	Status   HealthStatus   `json:"status"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status HealthStatus                  `json:"status"`
	Checks map[string]*HealthCheckResult `json:"checks,omitempty"`
}

// DatabaseHealthChecker defines the interface for database health checking.
type DatabaseHealthChecker interface {
	Ping(ctx context.Context) error
	Health() map[string]any
}

// CacheHealthChecker defines the interface for key-value store health
// checking.
type CacheHealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health-related HTTP endpoints.
type HealthHandler struct {
	db     DatabaseHealthChecker
	cache  CacheHealthChecker
	logger zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db DatabaseHealthChecker, cache CacheHealthChecker, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		cache:  cache,
		logger: logger.With().Str("component", "health_handler").Logger(),
	}
}

// RegisterPublicRoutes registers health routes that don't require auth.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	health := r.Group("/health")
	{
		health.GET("/", h.Overall)
		health.GET("/db/", h.Database)
		health.GET("/cache/", h.Cache)
		health.GET("/system/", h.System)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Overall reports liveness of the service and its dependencies.
// GET /health/
func (h *HealthHandler) Overall(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status: HealthStatusHealthy,
		Checks: map[string]*HealthCheckResult{},
	}

	resp.Checks["database"] = h.checkDatabase(ctx)
	resp.Checks["cache"] = h.checkCache(ctx)

	code := http.StatusOK
	for _, check := range resp.Checks {
		if check.Status != HealthStatusHealthy {
			resp.Status = HealthStatusUnhealthy
			code = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(code, resp)
}

// Database reports database health.
// GET /health/db/
func (h *HealthHandler) Database(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	check := h.checkDatabase(ctx)
	code := http.StatusOK
	if check.Status != HealthStatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, check)
}

// Cache reports key-value store health.
// GET /health/cache/
func (h *HealthHandler) Cache(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	check := h.checkCache(ctx)
	code := http.StatusOK
	if check.Status != HealthStatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, check)
}

// System reports host resource usage.
// GET /health/system/
func (h *HealthHandler) System(c *gin.Context) {
	details := map[string]any{}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		details["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		details["memory_used_percent"] = vm.UsedPercent
		details["memory_total_bytes"] = vm.Total
		details["memory_available_bytes"] = vm.Available
	}
	if avg, err := load.Avg(); err == nil {
		details["load_1"] = avg.Load1
		details["load_5"] = avg.Load5
		details["load_15"] = avg.Load15
	}

	c.JSON(http.StatusOK, HealthCheckResult{
		Status:  HealthStatusHealthy,
		Details: details,
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error().Err(err).Msg("database health check failed")
		return &HealthCheckResult{
			Status:   HealthStatusUnhealthy,
			Duration: time.Since(start).String(),
			Error:    err.Error(),
		}
	}
	return &HealthCheckResult{
		Status:   HealthStatusHealthy,
		Duration: time.Since(start).String(),
		Details:  h.db.Health(),
	}
}

func (h *HealthHandler) checkCache(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	if err := h.cache.Ping(ctx); err != nil {
		h.logger.Error().Err(err).Msg("cache health check failed")
		return &HealthCheckResult{
			Status:   HealthStatusUnhealthy,
			Duration: time.Since(start).String(),
			Error:    err.Error(),
		}
	}
	return &HealthCheckResult{
		Status:   HealthStatusHealthy,
		Duration: time.Since(start).String(),
	}
}
