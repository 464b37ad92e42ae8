package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/sqlinline"
)

var errNoJobAvailable = errors.New("no job available")

// JobRunner is the contract the dispatcher drives for each claimed job.
type JobRunner interface {
	Run(ctx context.Context, job *domain.Job) error
}

// DispatcherConfig tunes the worker pool and the job-level retry policy.
type DispatcherConfig struct {
	Workers          int
	PollInterval     time.Duration
	MaxJobRetries    int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	LivenessDeadline time.Duration
}

// Dispatcher pulls queued jobs and hands each to exactly one worker. A
// claimed job is invisible to other workers until released; jobs stuck in an
// in-flight status past the liveness deadline are returned to the queue.
type Dispatcher struct {
	runner *infra.SQLRunner
	jobs   domain.JobRepository
	ctl    JobRunner
	cfg    DispatcherConfig
	logger infra.Logger
}

func NewDispatcher(runner *infra.SQLRunner, jobs domain.JobRepository, ctl JobRunner, cfg DispatcherConfig, logger infra.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Dispatcher{runner: runner, jobs: jobs, ctl: ctl, cfg: cfg, logger: logger}
}

// Run starts the worker pool and blocks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Int("workers", d.cfg.Workers).Msg("dispatcher: started")

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.runWorker(ctx, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) runWorker(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := d.claimJob(ctx)
		if err != nil {
			if !errors.Is(err, errNoJobAvailable) && !errors.Is(err, context.Canceled) {
				d.logger.Error().Err(err).Int("worker", worker).Msg("dispatcher: claim failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}

		d.handleJob(ctx, worker, job)
	}
}

// claimJob atomically claims the oldest dispatchable queued job and marks it
// PROCESSING (oldest-created-first avoids starvation).
func (d *Dispatcher) claimJob(ctx context.Context) (*domain.Job, error) {
	row := d.runner.QueryRow(ctx, sqlinline.QWorkerClaimJob)
	var job domain.Job
	if err := row.Scan(
		&job.ID,
		&job.PropertyID,
		&job.BatchID,
		&job.Status,
		&job.RetryCount,
		&job.CancelRequested,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, errNoJobAvailable
		}
		return nil, err
	}
	return &job, nil
}

func (d *Dispatcher) handleJob(ctx context.Context, worker int, job *domain.Job) {
	d.logger.Info().
		Int("worker", worker).
		Str("job_id", job.ID).
		Str("property_id", job.PropertyID).
		Msg("dispatcher: picked job")

	err := d.ctl.Run(ctx, job)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		// Shutdown mid-job: the liveness reclaim returns it to the queue.
		return
	}
	if errors.Is(err, domain.ErrJobCancelled) {
		// Operator cancellation is final until an explicit retry.
		return
	}

	// Transient failure: the controller has already moved the job to FAILED.
	// Retry with backoff until the operator-configured bound, then escalate.
	retry := job.RetryCount + 1
	if retry > d.cfg.MaxJobRetries {
		msg := "job retries exhausted"
		if advErr := job.Advance(domain.JobStatusFatalError, time.Now().UTC()); advErr != nil {
			d.logger.Error().Err(advErr).Str("job_id", job.ID).Str("status", string(job.Status)).Msg("dispatcher: escalate rejected")
			return
		}
		if updErr := d.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusFatalError, &msg); updErr != nil {
			d.logger.Error().Err(updErr).Str("job_id", job.ID).Msg("dispatcher: escalate failed")
		} else {
			d.logger.Error().Str("job_id", job.ID).Int("retries", job.RetryCount).Msg("dispatcher: job escalated to fatal")
		}
		return
	}

	delay := backoffDelay(d.cfg.BackoffBase, d.cfg.BackoffMax, retry)
	if requeueErr := d.jobs.Requeue(ctx, job.ID, retry, int(delay.Seconds())); requeueErr != nil {
		d.logger.Error().Err(requeueErr).Str("job_id", job.ID).Msg("dispatcher: requeue failed")
		return
	}
	d.logger.Warn().
		Str("job_id", job.ID).
		Int("retry", retry).
		Dur("backoff", delay).
		Msg("dispatcher: job requeued after transient failure")
}

// ReclaimStale returns jobs abandoned mid-flight to the queue. Render and
// attempt idempotency keys make the re-execution safe.
func (d *Dispatcher) ReclaimStale(ctx context.Context) {
	rows, err := d.runner.Query(ctx, sqlinline.QWorkerRequeueStale, int(d.cfg.LivenessDeadline.Seconds()))
	if err != nil {
		d.logger.Error().Err(err).Msg("dispatcher: stale reclaim failed")
		return
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			d.logger.Error().Err(err).Msg("dispatcher: stale reclaim scan failed")
			return
		}
		d.logger.Warn().Str("job_id", id).Msg("dispatcher: reclaimed stale job")
	}
}

// PurgeAudit drops aged raw generator/evaluator payloads.
func (d *Dispatcher) PurgeAudit(ctx context.Context, retentionDays int) {
	if _, err := d.runner.Exec(ctx, sqlinline.QWorkerPurgeAudit, retentionDays); err != nil {
		d.logger.Error().Err(err).Msg("dispatcher: audit purge failed")
	}
}

// backoffDelay grows exponentially per retry and is capped at max.
func backoffDelay(base, max time.Duration, retry int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	delay := base
	for i := 1; i < retry; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
