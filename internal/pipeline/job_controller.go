package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"server/internal/domain"
	"server/internal/infra"
)

// JobController owns a property's status machine across its renders. It fans
// classification and generation out to one RenderController task per render,
// bounded by the per-job concurrency limit, and aggregates the render
// outcomes into the final job status.
type JobController struct {
	jobs        domain.JobRepository
	renders     domain.RenderRepository
	renderCtl   *RenderController
	concurrency int
	logger      infra.Logger
}

func NewJobController(
	jobs domain.JobRepository,
	renders domain.RenderRepository,
	renderCtl *RenderController,
	concurrency int,
	logger infra.Logger,
) *JobController {
	if concurrency < 1 {
		concurrency = 1
	}
	return &JobController{
		jobs:        jobs,
		renders:     renders,
		renderCtl:   renderCtl,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run drives a claimed job to a settled status. It returns an error only for
// transient failures the dispatcher should retry at the job level; in that
// case the job has already been moved to FAILED.
func (c *JobController) Run(ctx context.Context, job *domain.Job) error {
	renders, err := c.renders.ListByJob(ctx, job.ID)
	if err != nil {
		return c.failJob(ctx, job, fmt.Errorf("list renders: %w", err))
	}

	// Phase 1: classification. All renders must be classified before the job
	// advances; a classifier failure is a job-level concern.
	if err := c.forEachRender(ctx, renders, func(ctx context.Context, _ int, r *domain.Render) error {
		return c.renderCtl.Classify(ctx, r)
	}); err != nil {
		return c.failJob(ctx, job, err)
	}
	if err := c.advance(ctx, job, domain.JobStatusClassified); err != nil {
		return c.failJob(ctx, job, err)
	}

	// Phase 2: generation loops.
	if err := c.advance(ctx, job, domain.JobStatusGenerating); err != nil {
		return c.failJob(ctx, job, err)
	}
	states := make([]domain.RenderState, len(renders))
	if err := c.forEachRender(ctx, renders, func(ctx context.Context, i int, r *domain.Render) error {
		state, genErr := c.renderCtl.Generate(ctx, job, r)
		states[i] = state
		return genErr
	}); err != nil {
		return c.failJob(ctx, job, err)
	}

	// Phase 3: aggregate. Worst-case render state dominates, independent of
	// the order renders settled in.
	// Status-write failures below also route through failJob: a job stranded
	// in CLASSIFIED/GENERATING/QC_REVIEW would otherwise match neither the
	// requeue predicate nor the operator retry.
	switch aggregate := domain.AggregateRenderStates(states); aggregate {
	case domain.JobStatusQCReview:
		if err := c.advance(ctx, job, domain.JobStatusQCReview); err != nil {
			return c.failJob(ctx, job, err)
		}
		if err := c.advance(ctx, job, domain.JobStatusCompleted); err != nil {
			return c.failJob(ctx, job, err)
		}
		return nil
	case domain.JobStatusManualReview:
		if err := c.advance(ctx, job, domain.JobStatusManualReview); err != nil {
			return c.failJob(ctx, job, err)
		}
		return nil
	case domain.JobStatusFailed:
		msg := "one or more renders failed"
		if err := job.Advance(domain.JobStatusFailed, time.Now().UTC()); err != nil {
			return err
		}
		return c.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, &msg)
	case domain.JobStatusCompleted:
		// A job with no renders has nothing to review.
		if err := c.advance(ctx, job, domain.JobStatusQCReview); err != nil {
			return c.failJob(ctx, job, err)
		}
		if err := c.advance(ctx, job, domain.JobStatusCompleted); err != nil {
			return c.failJob(ctx, job, err)
		}
		return nil
	default:
		return c.failJob(ctx, job, fmt.Errorf("job %s did not settle: aggregate %s", job.ID, aggregate))
	}
}

// forEachRender runs fn for every render on its own task, bounded by the
// per-job concurrency limit. The first error wins; remaining tasks still run
// to completion so no attempt is left half-written.
func (c *JobController) forEachRender(ctx context.Context, renders []domain.Render, fn func(context.Context, int, *domain.Render) error) error {
	if len(renders) == 0 {
		return nil
	}

	sem := make(chan struct{}, c.concurrency)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := range renders {
		i, render := i, &renders[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(ctx, i, render); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func (c *JobController) advance(ctx context.Context, job *domain.Job, to domain.JobStatus) error {
	if err := job.Advance(to, time.Now().UTC()); err != nil {
		return fmt.Errorf("advance job %s to %s: %w", job.ID, to, err)
	}
	if err := c.jobs.UpdateStatus(ctx, job.ID, to, nil); err != nil {
		return err
	}
	c.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(to)).
		Msg("pipeline: job status")
	return nil
}

// failJob moves the job to FAILED and reports whether the failure is
// transient (retryable by the dispatcher).
func (c *JobController) failJob(ctx context.Context, job *domain.Job, cause error) error {
	msg := cause.Error()
	if errors.Is(cause, domain.ErrJobCancelled) {
		msg = "cancelled by operator"
	}
	if advErr := job.Advance(domain.JobStatusFailed, time.Now().UTC()); advErr != nil {
		// FAILED is unreachable from here (for example the COMPLETED write
		// itself failed). The stale reclaim returns the job to the queue.
		c.logger.Error().
			Err(cause).
			Str("job_id", job.ID).
			Msg("pipeline: job failed")
		return cause
	}
	if err := c.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, &msg); err != nil {
		return err
	}
	c.logger.Error().
		Err(cause).
		Str("job_id", job.ID).
		Msg("pipeline: job failed")
	return cause
}
