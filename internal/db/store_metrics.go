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

// Application metrics methods

// MetricsDelta is one job finish folded into the per-(application, day) row.
type MetricsDelta struct {
	ApplicationID uuid.UUID
	Date          time.Time
	Hour          *int
	Success       bool
	ExecutionTime *float64 // nil when the job carried no timing
}

// ApplyMetricsDelta upserts the metrics row for one finished job. Counts use
// store-level atomic increments so concurrent finishes on the same
// (application, date) stay exact; min/max/avg are maintained in the same
// statement, which Postgres serializes on the conflicting row.
func (db *DB) ApplyMetricsDelta(ctx context.Context, d MetricsDelta) error {
	success := 0
	failed := 0
	if d.Success {
		success = 1
	} else {
		failed = 1
	}

	execTime := 0.0
	hasTime := 0
	if d.ExecutionTime != nil {
		execTime = *d.ExecutionTime
		hasTime = 1
	}

	_, err := db.Pool.Exec(ctx, `
		INSERT INTO application_metrics (
			id, application_id, metric_date, hour, total_jobs, successful_jobs,
			failed_jobs, avg_execution_time, max_execution_time, min_execution_time
		) VALUES ($1, $2, $3, $4, 1, $5, $6, $7, $7, $7)
		ON CONFLICT (application_id, metric_date, hour) DO UPDATE SET
			total_jobs = application_metrics.total_jobs + 1,
			successful_jobs = application_metrics.successful_jobs + $5,
			failed_jobs = application_metrics.failed_jobs + $6,
			max_execution_time = GREATEST(application_metrics.max_execution_time, $7),
			min_execution_time = CASE
				WHEN $8 = 0 THEN application_metrics.min_execution_time
				WHEN application_metrics.min_execution_time = 0 THEN $7
				ELSE LEAST(application_metrics.min_execution_time, $7)
			END,
			avg_execution_time = CASE
				WHEN $8 = 0 THEN application_metrics.avg_execution_time
				ELSE (application_metrics.avg_execution_time * application_metrics.total_jobs + $7)
					/ (application_metrics.total_jobs + 1)
			END
	`, uuid.New(), d.ApplicationID, d.Date, d.Hour, success, failed, execTime, hasTime)
	if err != nil {
		return fmt.Errorf("apply metrics delta: %w", err)
	}
	return nil
}

// ListMetricsByApplication returns daily metrics rows for an application
// within [startDate, endDate], newest first. Zero times skip the bound.
func (db *DB) ListMetricsByApplication(ctx context.Context, applicationID uuid.UUID, startDate, endDate time.Time) ([]*models.ApplicationMetrics, error) {
	query := `
		SELECT id, application_id, metric_date, hour, total_jobs, successful_jobs,
		       failed_jobs, avg_execution_time, max_execution_time, min_execution_time
		FROM application_metrics
		WHERE application_id = $1`
	args := []any{applicationID}

	if !startDate.IsZero() {
		args = append(args, startDate)
		query += fmt.Sprintf(" AND metric_date >= $%d", len(args))
	}
	if !endDate.IsZero() {
		args = append(args, endDate)
		query += fmt.Sprintf(" AND metric_date <= $%d", len(args))
	}
	query += " ORDER BY metric_date DESC"

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list application metrics: %w", err)
	}
	defer rows.Close()

	var metrics []*models.ApplicationMetrics
	for rows.Next() {
		var m models.ApplicationMetrics
		if err := rows.Scan(&m.ID, &m.ApplicationID, &m.Date, &m.Hour, &m.TotalJobs,
			&m.SuccessfulJobs, &m.FailedJobs, &m.AvgExecutionTime,
			&m.MaxExecutionTime, &m.MinExecutionTime); err != nil {
			return nil, fmt.Errorf("scan application metrics: %w", err)
		}
		metrics = append(metrics, &m)
	}
	return metrics, nil
}

// GetApplicationSummary aggregates metrics across all of a license's
// applications.
func (db *DB) GetApplicationSummary(ctx context.Context, licenseID uuid.UUID) (*models.ApplicationSummary, error) {
	var s models.ApplicationSummary
	err := db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(DISTINCT a.id),
			COUNT(DISTINCT a.id) FILTER (WHERE a.is_active),
			COUNT(DISTINCT a.id) FILTER (WHERE NOT a.is_active),
			COALESCE(SUM(m.total_jobs), 0),
			COALESCE(SUM(m.successful_jobs), 0),
			COALESCE(SUM(m.failed_jobs), 0),
			COALESCE(AVG(m.avg_execution_time), 0)
		FROM applications a
		LEFT JOIN application_metrics m ON m.application_id = a.id
		WHERE a.license_id = $1
	`, licenseID).Scan(
		&s.TotalApplications, &s.ActiveApplications, &s.InactiveApplications,
		&s.TotalJobs, &s.SuccessfulJobs, &s.FailedJobs, &s.AvgExecutionTime,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &s, nil
		}
		return nil, fmt.Errorf("get application summary: %w", err)
	}

	if s.TotalJobs > 0 {
		s.AvgSuccessRate = float64(s.SuccessfulJobs) / float64(s.TotalJobs) * 100
	}
	return &s, nil
}
