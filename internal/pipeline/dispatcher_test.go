package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"server/internal/domain"
)

// scriptedRunner mirrors the controller contract: it moves the job to FAILED
// before reporting a non-nil error, the way failJob does.
type scriptedRunner struct {
	store *memStore
	err   error
	calls int
}

func (r *scriptedRunner) Run(ctx context.Context, job *domain.Job) error {
	r.calls++
	if r.err == nil {
		return nil
	}
	if errors.Is(r.err, context.Canceled) {
		return r.err
	}
	if advErr := job.Advance(domain.JobStatusFailed, time.Now().UTC()); advErr != nil {
		return advErr
	}
	msg := r.err.Error()
	if err := r.store.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, &msg); err != nil {
		return err
	}
	return r.err
}

func newTestDispatcher(store *memStore, runner JobRunner, maxRetries int) *Dispatcher {
	return NewDispatcher(nil, store, runner, DispatcherConfig{
		Workers:       1,
		PollInterval:  time.Millisecond,
		MaxJobRetries: maxRetries,
		BackoffBase:   time.Second,
		BackoffMax:    time.Minute,
	}, testLogger())
}

func TestHandleJobRequeuesThenEscalatesToFatal(t *testing.T) {
	store := newMemStore()
	runner := &scriptedRunner{store: store, err: errors.New("upstream 503")}
	d := newTestDispatcher(store, runner, 2)

	queuedJob(store, "j1")

	// Each failure within the bound returns the job to the queue with an
	// incremented retry count.
	for want := 1; want <= 2; want++ {
		claimed, err := store.GetByID(context.Background(), "j1")
		require.NoError(t, err)
		claimed.Status = domain.JobStatusProcessing
		d.handleJob(context.Background(), 0, claimed)

		stored, err := store.GetByID(context.Background(), "j1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusQueued, stored.Status)
		assert.Equal(t, want, stored.RetryCount)
	}

	// The failure past the bound escalates instead of requeueing.
	claimed, err := store.GetByID(context.Background(), "j1")
	require.NoError(t, err)
	claimed.Status = domain.JobStatusProcessing
	d.handleJob(context.Background(), 0, claimed)

	stored, err := store.GetByID(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFatalError, stored.Status)
	assert.Equal(t, "job retries exhausted", stored.ErrorMessage)
	assert.Equal(t, 3, runner.calls)
}

func TestHandleJobDoesNotRequeueCancelledJob(t *testing.T) {
	store := newMemStore()
	runner := &scriptedRunner{store: store, err: domain.ErrJobCancelled}
	d := newTestDispatcher(store, runner, 3)

	job := queuedJob(store, "j1")
	d.handleJob(context.Background(), 0, job)

	// Cancellation is final until an explicit operator retry: no requeue, no
	// retry accounting, no escalation.
	stored, err := store.GetByID(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Zero(t, stored.RetryCount)
}

func TestHandleJobShutdownLeavesJobForReclaim(t *testing.T) {
	store := newMemStore()
	runner := &scriptedRunner{store: store, err: context.Canceled}
	d := newTestDispatcher(store, runner, 3)

	job := queuedJob(store, "j1")
	d.handleJob(context.Background(), 0, job)

	// A shutdown mid-job leaves the row for the liveness reclaim.
	stored, err := store.GetByID(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, stored.Status)
	assert.Zero(t, stored.RetryCount)
}
