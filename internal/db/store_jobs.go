package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/quantech/tollgate/internal/models"
)

// Job methods

const jobColumns = `id, application_id, license_id, name, description, status,
	started_at, finished_at, execution_time, error_message, result,
	cpu_usage, memory_usage, metadata`

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	var statusStr string
	err := row.Scan(
		&job.ID, &job.ApplicationID, &job.LicenseID, &job.Name, &job.Description,
		&statusStr, &job.StartedAt, &job.FinishedAt, &job.ExecutionTime,
		&job.ErrorMessage, &job.Result, &job.CPUUsage, &job.MemoryUsage, &job.Metadata,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(statusStr)
	return &job, nil
}

// CreateJobWithExecution inserts the job row and its execution record in one
// transaction. Admission depends on this atomicity: either both rows land or
// the caller rolls the quota reservation back.
func (db *DB) CreateJobWithExecution(ctx context.Context, job *models.Job, exec *models.JobExecution) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO jobs (`+jobColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, job.ID, job.ApplicationID, job.LicenseID, job.Name, job.Description,
			string(job.Status), job.StartedAt, job.FinishedAt, job.ExecutionTime,
			job.ErrorMessage, job.Result, job.CPUUsage, job.MemoryUsage, job.Metadata)
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO job_executions (id, license_id, job_id, executed_at, tenant_id)
			VALUES ($1, $2, $3, $4, $5)
		`, exec.ID, exec.LicenseID, exec.JobID, exec.ExecutedAt, exec.TenantID)
		if err != nil {
			return fmt.Errorf("create job execution: %w", err)
		}

		return nil
	})
}

// GetJobByID returns a job by id.
func (db *DB) GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(db.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return job, nil
}

// JobFilter narrows ListJobsByLicense.
type JobFilter struct {
	ApplicationID *uuid.UUID
	Status        models.JobStatus
	StartedAfter  *time.Time
	StartedBefore *time.Time
	Limit         int
}

// ListJobsByLicense returns a license's jobs, newest first. Limit is clamped
// to 1000 and defaults to 100.
func (db *DB) ListJobsByLicense(ctx context.Context, licenseID uuid.UUID, filter JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE license_id = $1`
	args := []any{licenseID}

	if filter.ApplicationID != nil {
		args = append(args, *filter.ApplicationID)
		query += fmt.Sprintf(" AND application_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.StartedAfter != nil {
		args = append(args, *filter.StartedAfter)
		query += fmt.Sprintf(" AND started_at >= $%d", len(args))
	}
	if filter.StartedBefore != nil {
		args = append(args, *filter.StartedBefore)
		query += fmt.Sprintf(" AND started_at <= $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d", len(args))

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// FinishJob persists a job's terminal state. The WHERE clause guards the
// RUNNING -> terminal transition so a concurrent double-finish loses.
func (db *DB) FinishJob(ctx context.Context, job *models.Job) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, finished_at = $3, execution_time = $4, error_message = $5,
		    result = $6, cpu_usage = $7, memory_usage = $8
		WHERE id = $1 AND status = 'RUNNING'
	`, job.ID, string(job.Status), job.FinishedAt, job.ExecutionTime,
		job.ErrorMessage, job.Result, job.CPUUsage, job.MemoryUsage)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJobStatistics summarizes a license's jobs.
func (db *DB) GetJobStatistics(ctx context.Context, licenseID uuid.UUID, now time.Time) (*models.JobStatistics, error) {
	var stats models.JobStatistics
	err := db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'RUNNING'),
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COUNT(*) FILTER (WHERE status = 'CANCELLED'),
			COALESCE(AVG(execution_time) FILTER (WHERE execution_time IS NOT NULL), 0),
			COUNT(*) FILTER (WHERE started_at >= $2),
			COUNT(*) FILTER (WHERE started_at >= $3),
			COUNT(*) FILTER (WHERE started_at >= $4)
		FROM jobs
		WHERE license_id = $1
	`, licenseID, now.Add(-time.Hour), now.Add(-24*time.Hour), now.Add(-7*24*time.Hour)).Scan(
		&stats.TotalJobs, &stats.RunningJobs, &stats.CompletedJobs, &stats.FailedJobs,
		&stats.CancelledJobs, &stats.AvgExecutionTime,
		&stats.JobsLastHour, &stats.JobsLast24h, &stats.JobsLast7d,
	)
	if err != nil {
		return nil, fmt.Errorf("get job statistics: %w", err)
	}

	if finished := stats.CompletedJobs + stats.FailedJobs; finished > 0 {
		stats.SuccessRate = float64(stats.CompletedJobs) / float64(finished) * 100
	}
	return &stats, nil
}

// ListExecutionsSince returns a tenant's execution records newer than since.
// The quota reseed path rebuilds the sliding-window set from these.
func (db *DB) ListExecutionsSince(ctx context.Context, tenantID string, since time.Time) ([]*models.JobExecution, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, license_id, job_id, executed_at, tenant_id
		FROM job_executions
		WHERE tenant_id = $1 AND executed_at > $2
		ORDER BY executed_at ASC
	`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.JobExecution
	for rows.Next() {
		var e models.JobExecution
		if err := rows.Scan(&e.ID, &e.LicenseID, &e.JobID, &e.ExecutedAt, &e.TenantID); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, &e)
	}
	return execs, nil
}

// CountExecutionsSince counts a tenant's executions newer than since. The
// durable count is the upper bound for the cache counter.
func (db *DB) CountExecutionsSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_executions WHERE tenant_id = $1 AND executed_at > $2
	`, tenantID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}
