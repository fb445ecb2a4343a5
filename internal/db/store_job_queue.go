package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quantech/tollgate/internal/models"
)

// Job queue methods

// CreateJobQueueEntry records scheduling bookkeeping for a job.
func (db *DB) CreateJobQueueEntry(ctx context.Context, e *models.JobQueueEntry) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO job_queue (id, job_id, priority, scheduled_at, is_processing,
			attempts, max_attempts, created_at, last_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.JobID, e.Priority, e.ScheduledAt, e.IsProcessing,
		e.Attempts, e.MaxAttempts, e.CreatedAt, e.LastAttemptAt)
	if err != nil {
		return fmt.Errorf("create job queue entry: %w", err)
	}
	return nil
}

// ListJobQueueEntries returns queue entries ordered by priority then age.
func (db *DB) ListJobQueueEntries(ctx context.Context, limit int) ([]*models.JobQueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT id, job_id, priority, scheduled_at, is_processing,
		       attempts, max_attempts, created_at, last_attempt_at
		FROM job_queue
		ORDER BY priority DESC, created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list job queue entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.JobQueueEntry
	for rows.Next() {
		var e models.JobQueueEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Priority, &e.ScheduledAt, &e.IsProcessing,
			&e.Attempts, &e.MaxAttempts, &e.CreatedAt, &e.LastAttemptAt); err != nil {
			return nil, fmt.Errorf("scan job queue entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// DeleteQueueEntriesForFinishedJobs removes queue rows whose job reached a
// terminal state before the cutoff. Run by the maintenance sweep.
func (db *DB) DeleteQueueEntriesForFinishedJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM job_queue q
		USING jobs j
		WHERE q.job_id = j.id
		  AND j.status IN ('COMPLETED', 'FAILED', 'CANCELLED')
		  AND j.finished_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete finished queue entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteJobQueueEntry removes a single entry by job id.
func (db *DB) DeleteJobQueueEntry(ctx context.Context, jobID uuid.UUID) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM job_queue WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job queue entry: %w", err)
	}
	return nil
}
