// Package maintenance runs the background chores: reseeding quota counters
// from the durable store, surfacing expired licenses, and sweeping the job
// queue.
package maintenance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/quantech/tollgate/internal/clock"
	"github.com/quantech/tollgate/internal/db"
	"github.com/quantech/tollgate/internal/models"
	"github.com/quantech/tollgate/internal/quota"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Store is the database surface the janitor reads and sweeps.
type Store interface {
	ListLicenses(ctx context.Context, filter db.LicenseFilter) ([]*models.License, error)
	CountActiveApplications(ctx context.Context, licenseID uuid.UUID) (int, error)
	ListExecutionsSince(ctx context.Context, tenantID string, since time.Time) ([]*models.JobExecution, error)
	DeleteQueueEntriesForFinishedJobs(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds the janitor schedules.
type Config struct {
	// ExpiryScanSchedule is the cron spec for the expired-license scan.
	ExpiryScanSchedule string
	// QueueSweepSchedule is the cron spec for the job-queue sweep.
	QueueSweepSchedule string
	// QueueRetention is how long finished jobs keep their queue entries.
	QueueRetention time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ExpiryScanSchedule: "@hourly",
		QueueSweepSchedule: "@daily",
		QueueRetention:     7 * 24 * time.Hour,
	}
}

// Janitor owns the background maintenance schedules.
type Janitor struct {
	store  Store
	quota  *quota.Engine
	config Config
	clock  clock.Clock
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewJanitor creates a Janitor.
func NewJanitor(store Store, engine *quota.Engine, cfg Config, clk clock.Clock, logger zerolog.Logger) *Janitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Janitor{
		store:  store,
		quota:  engine,
		config: cfg,
		clock:  clk,
		cron:   cron.New(),
		logger: logger.With().Str("component", "maintenance").Logger(),
	}
}

// Start runs the startup reseed and registers the recurring chores.
func (j *Janitor) Start(ctx context.Context) error {
	if err := j.ReseedCounters(ctx); err != nil {
		// Reseed is best-effort: admissions stay correct because every one
		// is still gated by the license caps.
		j.logger.Warn().Err(err).Msg("counter reseed incomplete")
	}

	if _, err := j.cron.AddFunc(j.config.ExpiryScanSchedule, func() {
		j.scanExpiredLicenses(context.Background())
	}); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc(j.config.QueueSweepSchedule, func() {
		j.sweepJobQueue(context.Background())
	}); err != nil {
		return err
	}

	j.cron.Start()
	j.logger.Info().Msg("maintenance schedules started")
	return nil
}

// Stop halts the schedules, waiting for a running chore to complete.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info().Msg("maintenance schedules stopped")
}

// ReseedCounters rebuilds the cache counters for every active license from
// the durable store: active application counts and sliding-window members.
// Used at startup and after key loss.
func (j *Janitor) ReseedCounters(ctx context.Context) error {
	licenses, err := j.store.ListLicenses(ctx, db.LicenseFilter{
		Status: models.LicenseStatusActive,
	})
	if err != nil {
		return err
	}

	windowStart := j.clock.Now().Add(-quota.Window)
	for _, lic := range licenses {
		appCount, err := j.store.CountActiveApplications(ctx, lic.ID)
		if err != nil {
			j.logger.Warn().Err(err).Str("tenant_id", lic.TenantID).Msg("failed to count applications for reseed")
			continue
		}
		if err := j.quota.SetAppCount(ctx, lic.TenantID, appCount); err != nil {
			j.logger.Warn().Err(err).Str("tenant_id", lic.TenantID).Msg("failed to reseed app count")
			continue
		}

		execs, err := j.store.ListExecutionsSince(ctx, lic.TenantID, windowStart)
		if err != nil {
			j.logger.Warn().Err(err).Str("tenant_id", lic.TenantID).Msg("failed to list executions for reseed")
			continue
		}
		for _, exec := range execs {
			if err := j.quota.RecordExecution(ctx, lic.TenantID, exec.JobID, exec.ExecutedAt); err != nil {
				j.logger.Warn().Err(err).Str("tenant_id", lic.TenantID).Msg("failed to reseed execution")
				break
			}
		}

		j.logger.Debug().
			Str("tenant_id", lic.TenantID).
			Int("app_count", appCount).
			Int("executions", len(execs)).
			Msg("counters reseeded")
	}

	j.logger.Info().Int("licenses", len(licenses)).Msg("counter reseed finished")
	return nil
}

// scanExpiredLicenses logs ACTIVE licenses whose window has passed. Expiry
// is inferred at read time, so this scan is observability, not enforcement.
func (j *Janitor) scanExpiredLicenses(ctx context.Context) {
	licenses, err := j.store.ListLicenses(ctx, db.LicenseFilter{
		Status: models.LicenseStatusActive,
	})
	if err != nil {
		j.logger.Error().Err(err).Msg("expired-license scan failed")
		return
	}

	now := j.clock.Now()
	expired := 0
	for _, lic := range licenses {
		if lic.IsExpiredAt(now) {
			expired++
			j.logger.Info().
				Str("tenant_id", lic.TenantID).
				Time("valid_to", lic.ValidTo).
				Msg("license past validity window")
		}
	}
	if expired > 0 {
		j.logger.Warn().Int("count", expired).Msg("active licenses past validity window")
	}
}

// sweepJobQueue drops queue entries whose jobs finished before the
// retention cutoff.
func (j *Janitor) sweepJobQueue(ctx context.Context) {
	cutoff := j.clock.Now().Add(-j.config.QueueRetention)
	removed, err := j.store.DeleteQueueEntriesForFinishedJobs(ctx, cutoff)
	if err != nil {
		j.logger.Error().Err(err).Msg("job queue sweep failed")
		return
	}
	if removed > 0 {
		j.logger.Info().Int64("removed", removed).Msg("job queue swept")
	}
}
