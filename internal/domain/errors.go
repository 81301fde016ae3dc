package domain

import "errors"

var (
	// ErrQueueUnavailable means the queue backing store could not be reached.
	// Submitting callers are expected to log and continue; background work is
	// never allowed to fail the primary write that triggered it.
	ErrQueueUnavailable = errors.New("queue store unavailable")

	// ErrUnknownKind means a job's kind has no registered handler. Retrying
	// cannot help, so the job fails permanently.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrAlreadyProcessing means the advisory lock for the entity is held
	// elsewhere. The job is retried with backoff; contention clears once the
	// holder finishes.
	ErrAlreadyProcessing = errors.New("entity already being processed")
)
