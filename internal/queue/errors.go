package queue

import "errors"

var (
	ErrStoreNil          = errors.New("store cannot be nil")
	ErrTenantRequired    = errors.New("tenant id is required")
	ErrTaskTypeRequired  = errors.New("task type is required")
	ErrInvalidMaxRetries = errors.New("max retries must not be negative")
	ErrPayloadMarshal    = errors.New("failed to marshal payload to JSON")
	ErrResultMarshal     = errors.New("failed to marshal result to JSON")
	ErrWorkerRequired    = errors.New("worker id is required")
	ErrInvalidLease      = errors.New("lease duration must be positive")

	// ErrLeaseLost is returned when the caller no longer holds the lease on
	// the task it is trying to settle.
	ErrLeaseLost = errors.New("task is not leased by this worker")

	ErrTaskFinished = errors.New("task is already in a terminal state")
)
