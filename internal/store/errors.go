package store

import "errors"

var (
	// ErrJobNotFound is returned when a job id does not exist in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when creating a job whose id is already taken
	ErrJobExists = errors.New("job already exists")

	// ErrJobNotQueued is returned when claiming a job that is no longer QUEUED
	ErrJobNotQueued = errors.New("job not in QUEUED status")

	// ErrJobNotProcessing is returned when finishing a job that is no longer
	// PROCESSING, typically because it was cancelled while items were running
	ErrJobNotProcessing = errors.New("job not in PROCESSING status")

	// ErrJobFinished is returned when cancelling a job already in a terminal status
	ErrJobFinished = errors.New("job already finished")
)
