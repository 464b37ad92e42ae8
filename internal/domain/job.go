package domain

import "time"

// JobStatus enumerates the lifecycle states of a property processing job.
type JobStatus string

const (
	JobStatusQueued       JobStatus = "QUEUED"
	JobStatusProcessing   JobStatus = "PROCESSING"
	JobStatusClassified   JobStatus = "CLASSIFIED"
	JobStatusGenerating   JobStatus = "GENERATING"
	JobStatusQCReview     JobStatus = "QC_REVIEW"
	JobStatusCompleted    JobStatus = "COMPLETED"
	JobStatusFailed       JobStatus = "FAILED"
	JobStatusManualReview JobStatus = "MANUAL_REVIEW"
	JobStatusFatalError   JobStatus = "FATAL_ERROR"
)

// Job is the unit of work for one property's set of images.
type Job struct {
	ID              string
	PropertyID      string
	BatchID         *string
	Status          JobStatus
	RetryCount      int
	CancelRequested bool
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

var jobStatuses = map[JobStatus]bool{
	JobStatusQueued:       true,
	JobStatusProcessing:   true,
	JobStatusClassified:   true,
	JobStatusGenerating:   true,
	JobStatusQCReview:     true,
	JobStatusCompleted:    true,
	JobStatusFailed:       true,
	JobStatusManualReview: true,
	JobStatusFatalError:   true,
}

// jobTransitions encodes the forward-only status machine. The sole backward
// edge is the operator-driven FAILED -> QUEUED retry.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing},
	JobStatusProcessing: {JobStatusClassified, JobStatusFailed, JobStatusManualReview},
	JobStatusClassified: {JobStatusGenerating, JobStatusFailed},
	JobStatusGenerating: {JobStatusQCReview, JobStatusManualReview, JobStatusFailed},
	JobStatusQCReview:   {JobStatusCompleted, JobStatusFailed},
	JobStatusFailed:     {JobStatusQueued, JobStatusFatalError},
}

// Valid reports whether s is one of the defined job statuses.
func (s JobStatus) Valid() bool {
	return jobStatuses[s]
}

// Terminal reports whether no further transition leaves s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFatalError
}

// CanTransition reports whether the status machine permits from -> to.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Advance moves the job to the given status, stamping UpdatedAt. Invalid
// transitions are rejected before anything is persisted.
func (j *Job) Advance(to JobStatus, now time.Time) error {
	if !to.Valid() || !CanTransition(j.Status, to) {
		return ErrInvalidTransition
	}
	j.Status = to
	if now.After(j.UpdatedAt) {
		j.UpdatedAt = now
	}
	return nil
}

// AggregateRenderStates derives a job status from the final states of its
// renders. Worst-case dominance: manual review outranks a failed render,
// which outranks all-passed. The result is independent of render order.
func AggregateRenderStates(states []RenderState) JobStatus {
	if len(states) == 0 {
		return JobStatusCompleted
	}
	manual, failed := false, false
	for _, s := range states {
		switch s {
		case RenderStateManualReviewNeeded:
			manual = true
		case RenderStateFailed:
			failed = true
		case RenderStatePassed:
		default:
			// An unsettled render means the job is still generating.
			return JobStatusGenerating
		}
	}
	if manual {
		return JobStatusManualReview
	}
	if failed {
		return JobStatusFailed
	}
	return JobStatusQCReview
}
