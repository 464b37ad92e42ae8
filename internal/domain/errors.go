package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrInvalidParams         = errors.New("invalid generation parameters")
	ErrInvalidVerdict        = errors.New("invalid qc verdict")
	ErrInvalidClassification = errors.New("invalid classification result")
	ErrAttemptFinalized      = errors.New("attempt already finalized")
	ErrAttemptsExhausted     = errors.New("generation attempts exhausted")
	ErrProviderFailure       = errors.New("provider failure")
	ErrJobCancelled          = errors.New("job cancelled")
)
