package config

import "errors"

var (
	// ErrMissingWorkflowRoot is returned when the workflow root directory is not set.
	ErrMissingWorkflowRoot = errors.New("workflow root directory is required")

	// ErrInvalidTimeout is returned when the submit timeout is invalid.
	ErrInvalidTimeout = errors.New("submit timeout must be greater than 0")

	// ErrInvalidMaxRetries is returned when max retries is invalid.
	ErrInvalidMaxRetries = errors.New("max submit retries must be greater than or equal to 0")

	// ErrUnknownScheduler is returned when the default scheduler name is not recognised.
	ErrUnknownScheduler = errors.New("default scheduler must be one of: direct, sge, slurm")
)
