package jobs

import "errors"

var (
	// ErrInvalidJobID is returned when a supplied id is not a well-formed UUID
	ErrInvalidJobID = errors.New("job id is not a valid UUID")

	// ErrJobAlreadyRunning is returned when starting a job that is already PROCESSING
	ErrJobAlreadyRunning = errors.New("job already running")

	// ErrShuttingDown is returned when submitting work after Shutdown began
	ErrShuttingDown = errors.New("manager is shutting down")

	// ErrNoItems is returned when a job is created with an empty item list
	ErrNoItems = errors.New("job has no work items")

	// ErrItemCountMismatch is returned when a job is started with an item
	// list of a different size than it was created with
	ErrItemCountMismatch = errors.New("item list does not match job size")
)
