package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	query := `
INSERT INTO jobs (id, property_id, batch_id, status, retry_count, cancel_requested, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`
	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.PropertyID,
		job.BatchID,
		job.Status,
		job.RetryCount,
		job.CancelRequested,
		job.ErrorMessage,
	)
	return err
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
SELECT id, property_id, batch_id, status, retry_count, cancel_requested, error_message, created_at, updated_at
FROM jobs
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, jobID)
	var job domain.Job
	if err := row.Scan(
		&job.ID,
		&job.PropertyID,
		&job.BatchID,
		&job.Status,
		&job.RetryCount,
		&job.CancelRequested,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// UpdateStatus updates job status and optionally its error message. The
// updated_at stamp is written by this mutation, not a database trigger.
func (r *JobRepositoryPG) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg *string) error {
	query := `
UPDATE jobs
SET status = $2,
    updated_at = NOW(),
    error_message = COALESCE($3, error_message)
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, query, jobID, status, errMsg)
	return err
}

// Requeue returns a failed job to QUEUED with its retry count and a backoff
// delay before it becomes claimable again.
func (r *JobRepositoryPG) Requeue(ctx context.Context, jobID string, retryCount int, notBeforeSeconds int) error {
	query := `
UPDATE jobs
SET status = 'QUEUED',
    retry_count = $2,
    next_attempt_at = NOW() + ($3 * interval '1 second'),
    updated_at = NOW()
WHERE id = $1 AND status = 'FAILED';
`
	_, err := r.pool.Exec(ctx, query, jobID, retryCount, notBeforeSeconds)
	return err
}

// RequestCancel flags the job; render loops observe the flag between attempts.
func (r *JobRepositoryPG) RequestCancel(ctx context.Context, jobID string) error {
	query := `
UPDATE jobs
SET cancel_requested = TRUE, updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteAggregate removes the job and all owned renders and attempts in one
// transaction, so no orphaned attempt can ever reference a missing render.
func (r *JobRepositoryPG) DeleteAggregate(ctx context.Context, jobID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
DELETE FROM generation_attempts
WHERE render_id IN (SELECT id FROM renders WHERE job_id = $1);
`, jobID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM renders WHERE job_id = $1;`, jobID); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1;`, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit(ctx)
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
