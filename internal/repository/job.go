package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Job statuses.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job is one unit of background work.
type Job struct {
	ID          uuid.UUID
	JobType     string
	Payload     []byte
	Status      string
	Priority    int32
	Attempts    int32
	MaxAttempts int32
	LastError   string
	ScheduledAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// EnqueueJobParams are the inputs for Enqueue.
type EnqueueJobParams struct {
	JobType     string
	Payload     []byte
	Priority    int32
	MaxAttempts int32
	ScheduledAt time.Time
}

// JobRepo persists the background job queue.
type JobRepo struct {
	pool *pgxpool.Pool
}

const jobColumns = `id, job_type, payload, status, priority, attempts, max_attempts,
	COALESCE(last_error, ''), scheduled_at, started_at, completed_at, created_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.JobType, &j.Payload, &j.Status, &j.Priority, &j.Attempts,
		&j.MaxAttempts, &j.LastError, &j.ScheduledAt, &j.StartedAt, &j.CompletedAt, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

// Enqueue inserts a pending job.
func (r *JobRepo) Enqueue(ctx context.Context, params EnqueueJobParams) (*Job, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, job_type, payload, status, priority, max_attempts, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+jobColumns,
		uuid.New(), params.JobType, params.Payload, JobStatusPending,
		params.Priority, params.MaxAttempts, params.ScheduledAt)
	return scanJob(row)
}

// ClaimNext atomically claims the next due pending job. Concurrent workers
// skip rows locked by each other. Returns ErrNotFound when the queue is
// empty.
func (r *JobRepo) ClaimNext(ctx context.Context, now time.Time) (*Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, started_at = $1, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $3 AND scheduled_at <= $1
			ORDER BY priority DESC, scheduled_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		now, JobStatusRunning, JobStatusPending)
	return scanJob(row)
}

// MarkCompleted finishes a job successfully.
func (r *JobRepo) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, completed_at = now() WHERE id = $1`,
		id, JobStatusCompleted)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkFailed records a failure. If attempts remain the job is rescheduled at
// retryAt, otherwise it is marked failed permanently.
func (r *JobRepo) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, retryAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts < max_attempts THEN $3 ELSE $4 END,
			last_error = $2,
			scheduled_at = CASE WHEN attempts < max_attempts THEN $5 ELSE scheduled_at END,
			completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE now() END
		WHERE id = $1`,
		id, lastError, JobStatusPending, JobStatusFailed, retryAt)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// MarkFailedPermanent fails a job immediately with no retry, regardless of
// remaining attempts.
func (r *JobRepo) MarkFailedPermanent(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, last_error = $2, completed_at = now()
		WHERE id = $1`,
		id, lastError, JobStatusFailed)
	if err != nil {
		return fmt.Errorf("mark job failed permanently: %w", err)
	}
	return nil
}

// RecoverStale requeues running jobs whose worker died. A job is stale when
// it started before the cutoff and never completed.
func (r *JobRepo) RecoverStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, started_at = NULL
		WHERE status = $3 AND started_at < $1`,
		cutoff, JobStatusPending, JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
