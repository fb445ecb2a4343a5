package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quantech/tollgate/internal/api/middleware"
	"github.com/quantech/tollgate/internal/clock"
	"github.com/quantech/tollgate/internal/db"
	"github.com/quantech/tollgate/internal/licensing"
	"github.com/quantech/tollgate/internal/models"
	"github.com/rs/zerolog"
)

// LicenseStore defines the read operations the license handler performs
// directly, next to the licensing service it delegates mutations to.
type LicenseStore interface {
	GetLicenseByID(ctx context.Context, id uuid.UUID) (*models.License, error)
	GetLicenseByTenantID(ctx context.Context, tenantID string) (*models.License, error)
	ListLicenses(ctx context.Context, filter db.LicenseFilter) ([]*models.License, error)
}

// LicensesHandler handles the admin license surface.
type LicensesHandler struct {
	store   LicenseStore
	service *licensing.Service
	clock   clock.Clock
	logger  zerolog.Logger
}

// NewLicensesHandler creates a new LicensesHandler.
func NewLicensesHandler(store LicenseStore, service *licensing.Service, clk clock.Clock, logger zerolog.Logger) *LicensesHandler {
	if clk == nil {
		clk = clock.New()
	}
	return &LicensesHandler{
		store:   store,
		service: service,
		clock:   clk,
		logger:  logger.With().Str("component", "licenses_handler").Logger(),
	}
}

// RegisterRoutes registers the license admin routes on the given group.
// The group is expected to carry the admin requirement.
func (h *LicensesHandler) RegisterRoutes(r *gin.RouterGroup) {
	licenses := r.Group("/licenses")
	{
		licenses.GET("/", h.List)
		licenses.POST("/", h.Create)
		licenses.GET("/:id/", h.Get)
		licenses.PUT("/:id/", h.Update)
		licenses.DELETE("/:id/", h.Revoke)
		licenses.POST("/:id/suspend/", h.Suspend)
		licenses.DELETE("/:id/suspend/", h.Reactivate)
		licenses.POST("/:id/upgrade/", h.Upgrade)
		licenses.GET("/:id/history/", h.History)
	}
	r.POST("/tokens/generate/", h.GenerateToken)
}

// licenseView augments the stored license with derived fields.
type licenseView struct {
	*models.License
	RemainingDays int  `json:"remaining_days"`
	IsValid       bool `json:"is_valid"`
}

func (h *LicensesHandler) view(lic *models.License) licenseView {
	now := h.clock.Now()
	return licenseView{
		License:       lic,
		RemainingDays: lic.RemainingDays(now),
		IsValid:       lic.IsValidAt(now),
	}
}

func (h *LicensesHandler) views(lics []*models.License) []licenseView {
	out := make([]licenseView, 0, len(lics))
	for _, lic := range lics {
		out = append(out, h.view(lic))
	}
	return out
}

// List returns licenses with optional filters.
// GET /licenses/
func (h *LicensesHandler) List(c *gin.Context) {
	filter := db.LicenseFilter{
		Status:   models.LicenseStatus(c.Query("status")),
		TenantID: c.Query("tenant_id"),
		Now:      h.clock.Now(),
	}
	if c.Query("valid_only") == "true" {
		filter.ValidOnly = true
	}

	licenses, err := h.store.ListLicenses(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list licenses")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list licenses"})
		return
	}
	c.JSON(http.StatusOK, h.views(licenses))
}

type createLicenseRequest struct {
	TenantID            string         `json:"tenant_id"`
	TenantName          string         `json:"tenant_name"`
	MaxApps             int            `json:"max_apps"`
	MaxExecutionsPer24h int            `json:"max_executions_per_24h"`
	ValidFrom           time.Time      `json:"valid_from"`
	ValidTo             time.Time      `json:"valid_to"`
	Features            map[string]any `json:"features"`
	ContactEmail        string         `json:"contact_email"`
	ContactName         string         `json:"contact_name"`
	GenerateToken       *bool          `json:"generate_token"`
}

// Create provisions a license and, by default, mints its first token.
// POST /licenses/
func (h *LicensesHandler) Create(c *gin.Context) {
	var req createLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fieldErrs := map[string]string{}
	if req.TenantID == "" {
		fieldErrs["tenant_id"] = "tenant_id is required"
	}
	if req.TenantName == "" {
		fieldErrs["tenant_name"] = "tenant_name is required"
	}
	if req.ValidFrom.IsZero() || req.ValidTo.IsZero() {
		fieldErrs["valid_from"] = "valid_from and valid_to are required"
	}
	if len(fieldErrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": fieldErrs})
		return
	}

	generate := true
	if req.GenerateToken != nil {
		generate = *req.GenerateToken
	}

	lic, signed, err := h.service.Create(c.Request.Context(), licensing.CreateParams{
		TenantID:            req.TenantID,
		TenantName:          req.TenantName,
		MaxApps:             req.MaxApps,
		MaxExecutionsPer24h: req.MaxExecutionsPer24h,
		ValidFrom:           req.ValidFrom,
		ValidTo:             req.ValidTo,
		Features:            req.Features,
		ContactEmail:        req.ContactEmail,
		ContactName:         req.ContactName,
		CreatedBy:           h.actor(c),
		GenerateToken:       generate,
	})
	if err != nil {
		switch {
		case errors.Is(err, licensing.ErrTenantExists):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, licensing.ErrInvalidValidity):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error().Err(err).Msg("failed to create license")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create license"})
		}
		return
	}

	resp := gin.H{"license": h.view(lic)}
	if signed != "" {
		resp["token"] = signed
	}
	c.JSON(http.StatusCreated, resp)
}

// Get returns one license.
// GET /licenses/:id/
func (h *LicensesHandler) Get(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	lic, err := h.store.GetLicenseByID(c.Request.Context(), id)
	if err != nil {
		h.respondLoadError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(lic))
}

type updateLicenseRequest struct {
	TenantName          *string               `json:"tenant_name"`
	MaxApps             *int                  `json:"max_apps"`
	MaxExecutionsPer24h *int                  `json:"max_executions_per_24h"`
	ValidTo             *time.Time            `json:"valid_to"`
	Status              *models.LicenseStatus `json:"status"`
	Features            map[string]any        `json:"features"`
	ContactEmail        *string               `json:"contact_email"`
	ContactName         *string               `json:"contact_name"`
}

// Update patches a license.
// PUT /licenses/:id/
func (h *LicensesHandler) Update(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	var req updateLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lic, err := h.service.Update(c.Request.Context(), id, licensing.UpdateParams{
		TenantName:          req.TenantName,
		MaxApps:             req.MaxApps,
		MaxExecutionsPer24h: req.MaxExecutionsPer24h,
		ValidTo:             req.ValidTo,
		Status:              req.Status,
		Features:            req.Features,
		ContactEmail:        req.ContactEmail,
		ContactName:         req.ContactName,
	}, h.actor(c))
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "license not found"})
		case errors.Is(err, licensing.ErrInvalidValidity):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error().Err(err).Msg("failed to update license")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update license"})
		}
		return
	}
	c.JSON(http.StatusOK, h.view(lic))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Revoke permanently disables a license.
// DELETE /licenses/:id/
func (h *LicensesHandler) Revoke(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	if _, err := h.service.Revoke(c.Request.Context(), id, req.Reason, h.actor(c)); err != nil {
		h.respondLoadError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Suspend temporarily disables a license.
// POST /licenses/:id/suspend/
func (h *LicensesHandler) Suspend(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	lic, err := h.service.Suspend(c.Request.Context(), id, req.Reason, h.actor(c))
	if err != nil {
		h.respondLoadError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(lic))
}

// Reactivate moves a suspended license back to ACTIVE.
// DELETE /licenses/:id/suspend/
func (h *LicensesHandler) Reactivate(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	lic, err := h.service.Reactivate(c.Request.Context(), id, req.Reason, h.actor(c))
	if err != nil {
		if errors.Is(err, licensing.ErrNotReactivatable) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Cannot reactivate a revoked or expired license"})
			return
		}
		h.respondLoadError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(lic))
}

type upgradeLicenseRequest struct {
	MaxApps             *int       `json:"max_apps"`
	MaxExecutionsPer24h *int       `json:"max_executions_per_24h"`
	ValidTo             *time.Time `json:"valid_to"`
	Reason              string     `json:"reason"`
}

// Upgrade changes the license limits.
// POST /licenses/:id/upgrade/
func (h *LicensesHandler) Upgrade(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	var req upgradeLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lic, err := h.service.Upgrade(c.Request.Context(), id, licensing.UpgradeParams{
		MaxApps:             req.MaxApps,
		MaxExecutionsPer24h: req.MaxExecutionsPer24h,
		ValidTo:             req.ValidTo,
	}, req.Reason, h.actor(c))
	if err != nil {
		if errors.Is(err, licensing.ErrInvalidValidity) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.respondLoadError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(lic))
}

// History returns the license audit trail.
// GET /licenses/:id/history/
func (h *LicensesHandler) History(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	history, err := h.service.History(c.Request.Context(), id)
	if err != nil {
		h.respondLoadError(c, err)
		return
	}
	if history == nil {
		history = []*models.LicenseHistory{}
	}
	c.JSON(http.StatusOK, history)
}

type generateTokenRequest struct {
	TenantID       string `json:"tenant_id"`
	ExpiresInHours int    `json:"expires_in_hours"`
}

// GenerateToken mints a new bearer token for a valid license.
// POST /tokens/generate/
func (h *LicensesHandler) GenerateToken(c *gin.Context) {
	var req generateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}
	if req.ExpiresInHours <= 0 {
		req.ExpiresInHours = 24
	}

	lic, err := h.store.GetLicenseByTenantID(c.Request.Context(), req.TenantID)
	if err != nil {
		h.respondLoadError(c, err)
		return
	}

	signed, expiresAt, err := h.service.MintToken(c.Request.Context(), lic, time.Duration(req.ExpiresInHours)*time.Hour)
	if err != nil {
		if errors.Is(err, licensing.ErrLicenseNotValid) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "License is not valid"})
			return
		}
		h.logger.Error().Err(err).Msg("failed to mint license token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      signed,
		"expires_at": expiresAt,
		"tenant_id":  req.TenantID,
	})
}

func (h *LicensesHandler) pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid license ID"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *LicensesHandler) respondLoadError(c *gin.Context, err error) {
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "license not found"})
		return
	}
	h.logger.Error().Err(err).Msg("license operation failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "license operation failed"})
}

// actor identifies who performed an admin action for the audit trail.
func (h *LicensesHandler) actor(c *gin.Context) string {
	if p := middleware.GetPrincipal(c); p != nil && p.User != nil {
		return p.User.Username
	}
	return c.ClientIP()
}
