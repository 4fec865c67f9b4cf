package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/membership-backend/internal/models"
)

var (
	// ErrJobNotFound is returned when a job is not found in the database
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob means a live job with the same dedupe key already exists.
	ErrDuplicateJob = errors.New("job already queued")
)

const jobColumns = `id, job_type, payload, status, priority, attempts, max_attempts,
	created_at, updated_at, scheduled_for, last_error, retry_after,
	processed_at, completed_at, worker_id, dedupe_key`

// JobStore persists the retry queue used for deferred webhook reconciliation.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new JobStore instance
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	if err := row.Scan(
		&job.ID,
		&job.JobType,
		&job.Payload,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ScheduledFor,
		&job.LastError,
		&job.RetryAfter,
		&job.ProcessedAt,
		&job.CompletedAt,
		&job.WorkerID,
		&job.DedupeKey,
	); err != nil {
		return nil, err
	}
	return job, nil
}

// Enqueue inserts job as pending and fills its id and timestamps.
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	query := `
		INSERT INTO jobs (job_type, payload, status, priority, max_attempts, scheduled_for, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_type, dedupe_key)
			WHERE dedupe_key IS NOT NULL AND status IN ('pending', 'processing')
			DO NOTHING
		RETURNING id, created_at, updated_at
	`

	job.Status = models.JobStatusPending
	err := s.db.QueryRowContext(ctx, query,
		job.JobType,
		job.Payload,
		job.Status,
		job.Priority,
		job.MaxAttempts,
		job.ScheduledFor,
		job.DedupeKey,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicateJob
	}
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by its ID
func (s *JobStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the next due job. It returns nil, nil when
// the queue is empty. SKIP LOCKED lets several workers poll concurrently.
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'processing',
		    worker_id = $1,
		    processed_at = NOW(),
		    updated_at = NOW(),
		    attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
			  AND (retry_after IS NULL OR retry_after <= NOW())
			ORDER BY
				CASE priority
					WHEN 'high' THEN 3
					WHEN 'normal' THEN 2
					WHEN 'low' THEN 1
				END DESC,
				created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, query, workerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// MarkCompleted marks a job as successfully completed
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	return s.exec(ctx, "mark job completed", `
		UPDATE jobs
		SET status = 'completed', completed_at = NOW(), updated_at = NOW(), last_error = NULL
		WHERE id = $1
	`, id)
}

// MarkFailed marks a job as permanently failed.
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	return s.exec(ctx, "mark job failed", `
		UPDATE jobs
		SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, errorMsg)
}

// ScheduleRetry returns a job to pending, claimable again after retryAfter.
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	return s.exec(ctx, "schedule job retry", `
		UPDATE jobs
		SET status = 'pending', last_error = $2, retry_after = $3, worker_id = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, errorMsg, retryAfter)
}

// ReleaseJob hands an in-flight job back to the queue without consuming the attempt.
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	return s.exec(ctx, "release job", `
		UPDATE jobs
		SET status = 'pending', worker_id = NULL, attempts = GREATEST(attempts - 1, 0), updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id)
}

// GetStats counts jobs per status.
func (s *JobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*)
		FROM jobs
	`
	var stats models.JobStats
	if err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed, &stats.Total,
	); err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &stats, nil
}

func (s *JobStore) exec(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}
