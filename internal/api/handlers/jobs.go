package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quantech/tollgate/internal/clock"
	"github.com/quantech/tollgate/internal/db"
	"github.com/quantech/tollgate/internal/kvstore"
	"github.com/quantech/tollgate/internal/metrics"
	"github.com/quantech/tollgate/internal/models"
	"github.com/quantech/tollgate/internal/quota"
	"github.com/quantech/tollgate/internal/telemetry"
	"github.com/rs/zerolog"
)

// JobStore defines the job persistence operations.
type JobStore interface {
	CreateJobWithExecution(ctx context.Context, job *models.Job, exec *models.JobExecution) error
	GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobsByLicense(ctx context.Context, licenseID uuid.UUID, filter db.JobFilter) ([]*models.Job, error)
	FinishJob(ctx context.Context, job *models.Job) error
	GetJobStatistics(ctx context.Context, licenseID uuid.UUID, now time.Time) (*models.JobStatistics, error)
	GetApplicationByID(ctx context.Context, id uuid.UUID) (*models.Application, error)
	TouchApplicationActivity(ctx context.Context, id uuid.UUID, at time.Time) error
}

// JobsHandler handles the start/finish admission pipeline and job queries.
type JobsHandler struct {
	store      JobStore
	quota      *quota.Engine
	resolver   LicenseResolver
	aggregator *metrics.Aggregator
	clock      clock.Clock
	logger     zerolog.Logger
}

// NewJobsHandler creates a new JobsHandler.
func NewJobsHandler(store JobStore, engine *quota.Engine, resolver LicenseResolver, aggregator *metrics.Aggregator, clk clock.Clock, logger zerolog.Logger) *JobsHandler {
	if clk == nil {
		clk = clock.New()
	}
	return &JobsHandler{
		store:      store,
		quota:      engine,
		resolver:   resolver,
		aggregator: aggregator,
		clock:      clk,
		logger:     logger.With().Str("component", "jobs_handler").Logger(),
	}
}

// RegisterRoutes registers job routes on the given router group.
func (h *JobsHandler) RegisterRoutes(r *gin.RouterGroup) {
	jobs := r.Group("/jobs")
	{
		jobs.POST("/start", h.Start)
		jobs.POST("/finish", h.Finish)
		jobs.GET("/", h.List)
		jobs.GET("/statistics/", h.Statistics)
		jobs.GET("/:id/", h.Get)
	}
	r.GET("/executions/window/", h.ExecutionWindow)
}

type startJobRequest struct {
	ApplicationID uuid.UUID      `json:"application_id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Metadata      map[string]any `json:"metadata"`
}

// Start admits a new job execution: resolve license, verify the application,
// atomically reserve an execution slot, then insert the job and its
// execution record in one transaction. A failed insert removes the
// just-added sliding-window member.
// POST /jobs/start
func (h *JobsHandler) Start(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}

	var req startJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fieldErrs := map[string]string{}
	if req.ApplicationID == uuid.Nil {
		fieldErrs["application_id"] = "application_id is required"
	}
	if req.Name == "" {
		fieldErrs["name"] = "name is required"
	} else if len(req.Name) > 255 {
		fieldErrs["name"] = "name must be at most 255 characters"
	}
	if len(fieldErrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": fieldErrs})
		return
	}

	ctx := c.Request.Context()
	app, err := h.store.GetApplicationByID(ctx, req.ApplicationID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Application not found"})
			return
		}
		h.logger.Error().Err(err).Msg("failed to load application")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start job"})
		return
	}
	if app.LicenseID != lic.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Application does not belong to this license"})
		return
	}
	if !app.IsActive {
		c.JSON(http.StatusForbidden, gin.H{"error": "Application is not active"})
		return
	}

	// The job id is minted before the reservation so the sliding-window
	// member and the job row share it.
	jobID := uuid.New()

	res, err := h.quota.CheckAndRecordExecution(ctx, lic.TenantID, jobID, lic.MaxExecutionsPer24h)
	if err != nil {
		if errors.Is(err, kvstore.ErrLockBusy) {
			telemetry.AdmissionsRejected.WithLabelValues("execution", "lock_busy").Inc()
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "System is busy, please try again"})
			return
		}
		h.logger.Error().Err(err).Str("tenant_id", lic.TenantID).Msg("execution quota check failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start job"})
		return
	}
	if !res.OK {
		telemetry.AdmissionsRejected.WithLabelValues("execution", "quota").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":                  "Execution quota exceeded",
			"max_executions_per_24h": lic.MaxExecutionsPer24h,
			"current_count":          res.Current,
			"message":                res.Message,
		})
		return
	}

	now := h.clock.Now()
	job := models.NewJob(jobID, app.ID, lic.ID, req.Name, req.Description, req.Metadata, now)
	exec := models.NewJobExecution(lic.ID, jobID, lic.TenantID, now)

	if err := h.store.CreateJobWithExecution(ctx, job, exec); err != nil {
		// Undo the reservation; the admission never happened.
		if rbErr := h.quota.RollbackExecution(ctx, lic.TenantID, res.Member); rbErr != nil {
			h.logger.Error().Err(rbErr).Str("tenant_id", lic.TenantID).Msg("failed to roll back execution reservation")
		}
		telemetry.ReservationRollbacks.WithLabelValues("execution").Inc()
		h.logger.Error().Err(err).Str("tenant_id", lic.TenantID).Msg("failed to create job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start job"})
		return
	}

	if err := h.store.TouchApplicationActivity(ctx, app.ID, now); err != nil {
		h.logger.Warn().Err(err).Str("application_id", app.ID.String()).Msg("failed to touch application activity")
	}

	telemetry.AdmissionsGranted.WithLabelValues("execution").Inc()
	h.logger.Info().
		Str("job_id", job.ID.String()).
		Str("tenant_id", lic.TenantID).
		Int("count", res.Current).
		Int("max", lic.MaxExecutionsPer24h).
		Msg("job started")

	c.JSON(http.StatusCreated, job)
}

type finishJobRequest struct {
	JobID        uuid.UUID      `json:"job_id"`
	Status       string         `json:"status"`
	Result       map[string]any `json:"result"`
	ErrorMessage string         `json:"error_message"`
	CPUUsage     *float64       `json:"cpu_usage"`
	MemoryUsage  *float64       `json:"memory_usage"`
}

// Finish transitions a running job to a terminal state and rolls the result
// into the application's daily metrics. Jobs that are never finished stay
// RUNNING forever; that is visible in statistics and is intended.
// POST /jobs/finish
func (h *JobsHandler) Finish(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}

	var req finishJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.JobID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": gin.H{"job_id": "job_id is required"}})
		return
	}

	status := models.JobStatus(req.Status)
	if req.Status == "" {
		status = models.JobStatusCompleted
	}
	if status != models.JobStatusCompleted && status != models.JobStatusFailed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be COMPLETED or FAILED"})
		return
	}
	if req.CPUUsage != nil && (*req.CPUUsage < 0 || *req.CPUUsage > 100) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cpu_usage must be between 0 and 100"})
		return
	}
	if req.MemoryUsage != nil && *req.MemoryUsage < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "memory_usage must be non-negative"})
		return
	}

	ctx := c.Request.Context()
	job, err := h.store.GetJobByID(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Job not found"})
			return
		}
		h.logger.Error().Err(err).Msg("failed to load job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to finish job"})
		return
	}

	if job.LicenseID != lic.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Job does not belong to this license"})
		return
	}
	if job.Status != models.JobStatusRunning {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job is not running", "current_status": job.Status})
		return
	}

	job.Finish(status, h.clock.Now())
	job.ErrorMessage = req.ErrorMessage
	if req.Result != nil {
		job.Result = req.Result
	}
	job.CPUUsage = req.CPUUsage
	job.MemoryUsage = req.MemoryUsage

	if err := h.store.FinishJob(ctx, job); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Lost a double-finish race; re-read for the current status.
			if current, readErr := h.store.GetJobByID(ctx, req.JobID); readErr == nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Job is not running", "current_status": current.Status})
				return
			}
		}
		h.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to finish job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to finish job"})
		return
	}

	if err := h.aggregator.RecordFinish(ctx, job); err != nil {
		h.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to update application metrics")
	}

	telemetry.JobsFinished.WithLabelValues(string(job.Status)).Inc()
	h.logger.Info().
		Str("job_id", job.ID.String()).
		Str("status", string(job.Status)).
		Float64("execution_time", *job.ExecutionTime).
		Msg("job finished")

	c.JSON(http.StatusOK, job)
}

// List returns the tenant's jobs with optional filters.
// GET /jobs/
func (h *JobsHandler) List(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}

	filter := db.JobFilter{}
	if v := c.Query("application_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid application_id"})
			return
		}
		filter.ApplicationID = &id
	}
	if v := c.Query("status"); v != "" {
		filter.Status = models.JobStatus(v)
	}
	if v := c.Query("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_date"})
			return
		}
		filter.StartedAfter = &t
	}
	if v := c.Query("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_date"})
			return
		}
		filter.StartedBefore = &t
	}
	if v := c.Query("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			filter.Limit = limit
		}
	}

	jobs, err := h.store.ListJobsByLicense(c.Request.Context(), lic.ID, filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

// Get returns one job.
// GET /jobs/:id/
func (h *JobsHandler) Get(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	job, err := h.store.GetJobByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		h.logger.Error().Err(err).Msg("failed to get job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return
	}
	if job.LicenseID != lic.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// Statistics summarizes the tenant's jobs.
// GET /jobs/statistics/
func (h *JobsHandler) Statistics(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}

	stats, err := h.store.GetJobStatistics(c.Request.Context(), lic.ID, h.clock.Now())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to get job statistics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ExecutionWindow returns the tenant's sliding-window execution history.
// GET /executions/window/
func (h *JobsHandler) ExecutionWindow(c *gin.Context) {
	lic := requireLicense(c, h.resolver, h.clock.Now(), h.logger)
	if lic == nil {
		return
	}

	windowHours := 24
	if v := c.Query("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 24 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be between 1 and 24"})
			return
		}
		windowHours = n
	}

	records, err := h.quota.ExecutionHistory(c.Request.Context(), lic.TenantID, time.Duration(windowHours)*time.Hour)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to get execution history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get execution history"})
		return
	}

	resp := gin.H{
		"tenant_id":    lic.TenantID,
		"window_hours": windowHours,
		"executions":   records,
		"total_count":  len(records),
	}
	if len(records) > 0 {
		resp["oldest_execution"] = records[0].Timestamp
		resp["newest_execution"] = records[len(records)-1].Timestamp
	}
	c.JSON(http.StatusOK, resp)
}
