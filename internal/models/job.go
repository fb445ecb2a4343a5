package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether the status is a final state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is a single tracked execution, spanning start to finish.
type Job struct {
	ID            uuid.UUID      `json:"id"`
	ApplicationID uuid.UUID      `json:"application_id"`
	LicenseID     uuid.UUID      `json:"license_id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Status        JobStatus      `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	ExecutionTime *float64       `json:"execution_time,omitempty"`
	ErrorMessage  string         `json:"error_message"`
	Result        map[string]any `json:"result"`
	CPUUsage      *float64       `json:"cpu_usage,omitempty"`
	MemoryUsage   *float64       `json:"memory_usage,omitempty"`
	Metadata      map[string]any `json:"metadata"`
}

// NewJob creates a RUNNING job with the given pre-minted id.
// The id is minted before quota reservation so the sliding-window member and
// the job row share it.
func NewJob(id uuid.UUID, applicationID, licenseID uuid.UUID, name, description string, metadata map[string]any, startedAt time.Time) *Job {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Job{
		ID:            id,
		ApplicationID: applicationID,
		LicenseID:     licenseID,
		Name:          name,
		Description:   description,
		Status:        JobStatusRunning,
		StartedAt:     startedAt,
		Result:        map[string]any{},
		Metadata:      metadata,
	}
}

// IsRunning reports whether the job is currently running.
func (j *Job) IsRunning() bool {
	return j.Status == JobStatusRunning && j.FinishedAt == nil
}

// Finish transitions the job to a terminal state and computes execution time.
func (j *Job) Finish(status JobStatus, finishedAt time.Time) {
	j.Status = status
	j.FinishedAt = &finishedAt
	secs := finishedAt.Sub(j.StartedAt).Seconds()
	j.ExecutionTime = &secs
}

// JobExecution is the durable record of one admitted execution, written once
// at start and retained for audit. The tenant id is denormalized so window
// queries avoid the licenses join.
type JobExecution struct {
	ID         uuid.UUID `json:"id"`
	LicenseID  uuid.UUID `json:"license_id"`
	JobID      uuid.UUID `json:"job_id"`
	ExecutedAt time.Time `json:"executed_at"`
	TenantID   string    `json:"tenant_id"`
}

// NewJobExecution creates an execution record for the given job.
func NewJobExecution(licenseID, jobID uuid.UUID, tenantID string, executedAt time.Time) *JobExecution {
	return &JobExecution{
		ID:         uuid.New(),
		LicenseID:  licenseID,
		JobID:      jobID,
		ExecutedAt: executedAt,
		TenantID:   tenantID,
	}
}

// JobQueueEntry is scheduling bookkeeping for a job.
type JobQueueEntry struct {
	ID            uuid.UUID  `json:"id"`
	JobID         uuid.UUID  `json:"job_id"`
	Priority      int        `json:"priority"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	IsProcessing  bool       `json:"is_processing"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// JobStatistics summarizes a license's jobs.
type JobStatistics struct {
	TotalJobs        int     `json:"total_jobs"`
	RunningJobs      int     `json:"running_jobs"`
	CompletedJobs    int     `json:"completed_jobs"`
	FailedJobs       int     `json:"failed_jobs"`
	CancelledJobs    int     `json:"cancelled_jobs"`
	AvgExecutionTime float64 `json:"avg_execution_time"`
	SuccessRate      float64 `json:"success_rate"`
	JobsLastHour     int     `json:"jobs_last_hour"`
	JobsLast24h      int     `json:"jobs_last_24h"`
	JobsLast7d       int     `json:"jobs_last_7d"`
}
