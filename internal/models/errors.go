package models

import "errors"

// Engine error kinds. Callers distinguish them with errors.Is; the HTTP layer
// maps them to status codes.
var (
	// ErrQueueNotFound means the named queue was never created.
	ErrQueueNotFound = errors.New("conveyor: queue not found")
	// ErrJobNotFound means no job with the given id exists in the queue.
	ErrJobNotFound = errors.New("conveyor: job not found")
	// ErrInvalidState means the operation is not permitted for the job's
	// current state, e.g. removing or retrying an active job.
	ErrInvalidState = errors.New("conveyor: invalid job state for operation")
	// ErrInvalidConfig covers malformed queue configs and job options.
	ErrInvalidConfig = errors.New("conveyor: invalid configuration")
	// ErrStoreUnavailable means the shared store could not be reached. The
	// worker pool retries these with backoff; producer calls surface them.
	ErrStoreUnavailable = errors.New("conveyor: store unavailable")
)
