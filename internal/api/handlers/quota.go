package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/quantech/tollgate/internal/clock"
	"github.com/quantech/tollgate/internal/quota"
	"github.com/rs/zerolog"
)

// QuotaHandler exposes the live quota view.
type QuotaHandler struct {
	quota    *quota.Engine
	resolver LicenseResolver
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewQuotaHandler creates a new QuotaHandler.
func NewQuotaHandler(engine *quota.Engine, resolver LicenseResolver, clk clock.Clock, logger zerolog.Logger) *QuotaHandler {
	if clk == nil {
		clk = clock.New()
	}
	return &QuotaHandler{
		quota:    engine,
		resolver: resolver,
		clock:    clk,
		logger:   logger.With().Str("component", "quota_handler").Logger(),
	}
}

// RegisterRoutes registers quota routes on the given router group.
func (h *QuotaHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/quota/status/", h.Status)
}

// Status returns live usage against the tenant's caps.
// GET /quota/status/
func (h *QuotaHandler) Status(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}

	status, err := h.quota.Status(c.Request.Context(), lic.TenantID, lic.MaxExecutionsPer24h, lic.MaxApps)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", lic.TenantID).Msg("failed to get quota status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get quota status"})
		return
	}
	c.JSON(http.StatusOK, status)
}
