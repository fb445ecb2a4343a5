package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quantech/tollgate/internal/clock"
	"github.com/quantech/tollgate/internal/db"
	"github.com/quantech/tollgate/internal/kvstore"
	"github.com/quantech/tollgate/internal/models"
	"github.com/quantech/tollgate/internal/quota"
	"github.com/quantech/tollgate/internal/telemetry"
	"github.com/rs/zerolog"
)

// apiKeyMintAttempts bounds the retry loop for api_key collisions.
const apiKeyMintAttempts = 5

// ApplicationStore defines the application persistence operations.
type ApplicationStore interface {
	CreateApplication(ctx context.Context, app *models.Application) error
	GetApplicationByID(ctx context.Context, id uuid.UUID) (*models.Application, error)
	GetApplicationByName(ctx context.Context, licenseID uuid.UUID, name string) (*models.Application, error)
	ListApplicationsByLicense(ctx context.Context, licenseID uuid.UUID, isActive *bool) ([]*models.Application, error)
	UpdateApplication(ctx context.Context, app *models.Application) error
	SetApplicationActive(ctx context.Context, id uuid.UUID, active bool) error
	CountActiveApplications(ctx context.Context, licenseID uuid.UUID) (int, error)
	ListMetricsByApplication(ctx context.Context, applicationID uuid.UUID, startDate, endDate time.Time) ([]*models.ApplicationMetrics, error)
	GetApplicationSummary(ctx context.Context, licenseID uuid.UUID) (*models.ApplicationSummary, error)
}

// ApplicationsHandler handles application registration and management.
type ApplicationsHandler struct {
	store    ApplicationStore
	quota    *quota.Engine
	resolver LicenseResolver
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewApplicationsHandler creates a new ApplicationsHandler.
func NewApplicationsHandler(store ApplicationStore, engine *quota.Engine, resolver LicenseResolver, clk clock.Clock, logger zerolog.Logger) *ApplicationsHandler {
	if clk == nil {
		clk = clock.New()
	}
	return &ApplicationsHandler{
		store:    store,
		quota:    engine,
		resolver: resolver,
		clock:    clk,
		logger:   logger.With().Str("component", "applications_handler").Logger(),
	}
}

// RegisterRoutes registers application routes on the given router group.
func (h *ApplicationsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/apps/register", h.Register)

	apps := r.Group("/applications")
	{
		apps.GET("/", h.List)
		apps.GET("/metrics/", h.SummaryMetrics)
		apps.GET("/:id/", h.Get)
		apps.PUT("/:id/", h.Update)
		apps.DELETE("/:id/", h.Deactivate)
		apps.POST("/:id/activate/", h.Activate)
		apps.DELETE("/:id/activate/", h.DeactivateKeep)
		apps.GET("/:id/metrics/", h.Metrics)
	}
}

type registerApplicationRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Version     string         `json:"version"`
	WebhookURL  string         `json:"webhook_url"`
	Config      map[string]any `json:"config"`
}

func (r *registerApplicationRequest) validate() map[string]string {
	errs := map[string]string{}
	if r.Name == "" {
		errs["name"] = "name is required"
	} else if len(r.Name) > 255 {
		errs["name"] = "name must be at most 255 characters"
	}
	if len(r.Version) > 50 {
		errs["version"] = "version must be at most 50 characters"
	}
	return errs
}

// Register admits a new application for the authenticated tenant: resolve
// license, check for a duplicate name, atomically reserve an app slot, then
// insert. The counter reservation is rolled back if the insert fails.
// POST /apps/register
func (h *ApplicationsHandler) Register(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}

	var req registerApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": errs})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.store.GetApplicationByName(ctx, lic.ID, req.Name); err == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Application with this name already exists"})
		return
	} else if !errors.Is(err, db.ErrNotFound) {
		h.logger.Error().Err(err).Msg("failed to check application name")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register application"})
		return
	}

	res, err := h.quota.CheckAndIncrementAppCount(ctx, lic.TenantID, lic.MaxApps)
	if err != nil {
		if errors.Is(err, kvstore.ErrLockBusy) {
			telemetry.AdmissionsRejected.WithLabelValues("application", "lock_busy").Inc()
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "System is busy, please try again"})
			return
		}
		h.logger.Error().Err(err).Str("tenant_id", lic.TenantID).Msg("app quota check failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register application"})
		return
	}
	if !res.OK {
		telemetry.AdmissionsRejected.WithLabelValues("application", "quota").Inc()
		c.JSON(http.StatusForbidden, gin.H{
			"error":         "Maximum number of applications reached",
			"max_apps":      lic.MaxApps,
			"current_count": res.Current,
			"message":       res.Message,
		})
		return
	}

	app, err := h.createWithFreshKey(ctx, lic.ID, &req)
	if err != nil {
		// Roll the reservation back; the slot was never used.
		if _, rbErr := h.quota.DecrementAppCount(ctx, lic.TenantID); rbErr != nil {
			h.logger.Error().Err(rbErr).Str("tenant_id", lic.TenantID).Msg("failed to roll back app count")
		}
		telemetry.ReservationRollbacks.WithLabelValues("application").Inc()

		if db.UniqueConstraint(err) == "applications_license_id_name_key" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Application with this name already exists"})
			return
		}
		h.logger.Error().Err(err).Str("tenant_id", lic.TenantID).Msg("failed to create application")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register application"})
		return
	}

	telemetry.AdmissionsGranted.WithLabelValues("application").Inc()
	h.logger.Info().
		Str("application_id", app.ID.String()).
		Str("tenant_id", lic.TenantID).
		Int("count", res.Current).
		Int("max", lic.MaxApps).
		Msg("application registered")

	c.JSON(http.StatusCreated, app)
}

// createWithFreshKey inserts the application, re-minting the api_key on the
// rare collision with an existing one.
func (h *ApplicationsHandler) createWithFreshKey(ctx context.Context, licenseID uuid.UUID, req *registerApplicationRequest) (*models.Application, error) {
	var lastErr error
	for i := 0; i < apiKeyMintAttempts; i++ {
		app, err := models.NewApplication(licenseID, req.Name, req.Description, req.Version, req.WebhookURL, req.Config)
		if err != nil {
			return nil, err
		}
		if err := h.store.CreateApplication(ctx, app); err != nil {
			if db.UniqueConstraint(err) == "applications_api_key_key" {
				lastErr = err
				continue
			}
			return nil, err
		}
		return app, nil
	}
	return nil, lastErr
}

// List returns the tenant's applications.
// GET /applications/
func (h *ApplicationsHandler) List(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}

	var isActive *bool
	if v, ok := c.GetQuery("is_active"); ok {
		b := v == "true"
		isActive = &b
	}

	apps, err := h.store.ListApplicationsByLicense(c.Request.Context(), lic.ID, isActive)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list applications")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list applications"})
		return
	}
	if apps == nil {
		apps = []*models.Application{}
	}
	c.JSON(http.StatusOK, apps)
}

// getOwned loads an application by path id and verifies tenant ownership.
// Writes the error response and returns nil on failure.
func (h *ApplicationsHandler) getOwned(c *gin.Context, lic *models.License) *models.Application {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid application ID"})
		return nil
	}

	app, err := h.store.GetApplicationByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "application not found"})
			return nil
		}
		h.logger.Error().Err(err).Str("application_id", id.String()).Msg("failed to get application")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get application"})
		return nil
	}

	// Cross-tenant ids read as not found.
	if app.LicenseID != lic.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "application not found"})
		return nil
	}
	return app
}

// Get returns one application.
// GET /applications/:id/
func (h *ApplicationsHandler) Get(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}
	app := h.getOwned(c, lic)
	if app == nil {
		return
	}
	c.JSON(http.StatusOK, app)
}

type updateApplicationRequest struct {
	Name        *string        `json:"name"`
	Description *string        `json:"description"`
	Version     *string        `json:"version"`
	WebhookURL  *string        `json:"webhook_url"`
	Config      map[string]any `json:"config"`
}

// Update patches an application's mutable fields.
// PUT /applications/:id/
func (h *ApplicationsHandler) Update(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}
	app := h.getOwned(c, lic)
	if app == nil {
		return
	}

	var req updateApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Name != nil && *req.Name != app.Name {
		if *req.Name == "" || len(*req.Name) > 255 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name must be 1-255 characters"})
			return
		}
		if _, err := h.store.GetApplicationByName(c.Request.Context(), lic.ID, *req.Name); err == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Application with this name already exists"})
			return
		} else if !errors.Is(err, db.ErrNotFound) {
			h.logger.Error().Err(err).Msg("failed to check application name")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update application"})
			return
		}
		app.Name = *req.Name
	}
	if req.Description != nil {
		app.Description = *req.Description
	}
	if req.Version != nil {
		app.Version = *req.Version
	}
	if req.WebhookURL != nil {
		app.WebhookURL = *req.WebhookURL
	}
	if req.Config != nil {
		app.Config = req.Config
	}

	if err := h.store.UpdateApplication(c.Request.Context(), app); err != nil {
		h.logger.Error().Err(err).Str("application_id", app.ID.String()).Msg("failed to update application")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update application"})
		return
	}
	c.JSON(http.StatusOK, app)
}

// Deactivate soft-deletes an application and releases its quota slot.
// DELETE /applications/:id/
func (h *ApplicationsHandler) Deactivate(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}
	app := h.getOwned(c, lic)
	if app == nil {
		return
	}

	if app.IsActive {
		if err := h.deactivate(c.Request.Context(), lic, app); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate application"})
			return
		}
	}
	c.Status(http.StatusNoContent)
}

// Activate re-activates a deactivated application; the quota is re-checked
// against the durable store, which is authoritative off the hot path.
// POST /applications/:id/activate/
func (h *ApplicationsHandler) Activate(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}
	app := h.getOwned(c, lic)
	if app == nil {
		return
	}

	if !app.IsActive {
		current, err := h.store.CountActiveApplications(c.Request.Context(), lic.ID)
		if err != nil {
			h.logger.Error().Err(err).Msg("failed to count active applications")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to activate application"})
			return
		}
		if current >= lic.MaxApps {
			c.JSON(http.StatusForbidden, gin.H{
				"error":         "Maximum number of active applications reached",
				"max_apps":      lic.MaxApps,
				"current_count": current,
			})
			return
		}

		if err := h.store.SetApplicationActive(c.Request.Context(), app.ID, true); err != nil {
			h.logger.Error().Err(err).Msg("failed to activate application")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to activate application"})
			return
		}
		app.IsActive = true
		if _, err := h.quota.IncrementAppCount(c.Request.Context(), lic.TenantID); err != nil {
			h.logger.Warn().Err(err).Str("tenant_id", lic.TenantID).Msg("failed to increment app count")
		}
	}

	c.JSON(http.StatusOK, app)
}

// DeactivateKeep deactivates an application, returning the updated record.
// DELETE /applications/:id/activate/
func (h *ApplicationsHandler) DeactivateKeep(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}
	app := h.getOwned(c, lic)
	if app == nil {
		return
	}

	if app.IsActive {
		if err := h.deactivate(c.Request.Context(), lic, app); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate application"})
			return
		}
	}
	c.JSON(http.StatusOK, app)
}

func (h *ApplicationsHandler) deactivate(ctx context.Context, lic *models.License, app *models.Application) error {
	if err := h.store.SetApplicationActive(ctx, app.ID, false); err != nil {
		h.logger.Error().Err(err).Str("application_id", app.ID.String()).Msg("failed to deactivate application")
		return err
	}
	app.IsActive = false
	if _, err := h.quota.DecrementAppCount(ctx, lic.TenantID); err != nil {
		h.logger.Warn().Err(err).Str("tenant_id", lic.TenantID).Msg("failed to decrement app count")
	}
	return nil
}

// Metrics returns daily metrics rows for one application.
// GET /applications/:id/metrics/
func (h *ApplicationsHandler) Metrics(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}
	app := h.getOwned(c, lic)
	if app == nil {
		return
	}

	var startDate, endDate time.Time
	if v := c.Query("start_date"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_date, expected YYYY-MM-DD"})
			return
		}
		startDate = t
	}
	if v := c.Query("end_date"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_date, expected YYYY-MM-DD"})
			return
		}
		endDate = t
	}

	metrics, err := h.store.ListMetricsByApplication(c.Request.Context(), app.ID, startDate, endDate)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list application metrics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list application metrics"})
		return
	}
	if metrics == nil {
		metrics = []*models.ApplicationMetrics{}
	}
	c.JSON(http.StatusOK, metrics)
}

// SummaryMetrics aggregates metrics across all the tenant's applications.
// GET /applications/metrics/
func (h *ApplicationsHandler) SummaryMetrics(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}

	summary, err := h.store.GetApplicationSummary(c.Request.Context(), lic.ID)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to aggregate application metrics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate application metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
