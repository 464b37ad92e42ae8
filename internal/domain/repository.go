package domain

import "context"

// JobRepository defines persistence for job entities.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	UpdateStatus(ctx context.Context, jobID string, status JobStatus, errMsg *string) error
	// Requeue returns a failed job to QUEUED with the given retry count and
	// a backoff delay in seconds honored by the claim query.
	Requeue(ctx context.Context, jobID string, retryCount int, notBeforeSeconds int) error
	RequestCancel(ctx context.Context, jobID string) error
	// DeleteAggregate removes the job and all owned renders and attempts in
	// one transaction.
	DeleteAggregate(ctx context.Context, jobID string) error
}

// RenderRepository defines persistence for render entities.
type RenderRepository interface {
	CreateBatch(ctx context.Context, renders []Render) error
	ListByJob(ctx context.Context, jobID string) ([]Render, error)
	SaveClassification(ctx context.Context, r *Render) error
	UpdateState(ctx context.Context, renderID string, state RenderState, errMsg *string, processingSeconds float64) error
}

// AttemptRepository defines persistence for generation attempts.
type AttemptRepository interface {
	Create(ctx context.Context, a *GenerationAttempt) error
	// Finalize writes the attempt outcome and advances the owning render in
	// the same transaction, so a PASS attempt is never visible without its
	// render marked PASSED.
	Finalize(ctx context.Context, a *GenerationAttempt, renderState RenderState) error
	ListByRender(ctx context.Context, renderID string) ([]GenerationAttempt, error)
}
