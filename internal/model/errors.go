package model

import "errors"

var (
	// ErrSubmissionNotFound is returned for unknown or reset submission ids
	ErrSubmissionNotFound = errors.New("submission not found")

	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadySubmitted is returned when dispatch is retried on a
	// submission that already holds the dispatch claim
	ErrAlreadySubmitted = errors.New("submission already dispatched")

	// ErrInvalidSelection is returned for an empty selection or one naming
	// an unrecognized stem
	ErrInvalidSelection = errors.New("invalid stem selection")

	// ErrIncompleteStems is returned by reassembly when a stem group is
	// empty or the selection references a stem absent from the output.
	// Recoverable: nothing is frozen, a later poll may succeed.
	ErrIncompleteStems = errors.New("incomplete stem data")

	// ErrResultUnavailable is returned when a task reports success but its
	// result payload has not materialized yet. Transient, not a failure.
	ErrResultUnavailable = errors.New("task result not yet available")

	// ErrCapacityExhausted means the id namespace is fully consumed. Fatal:
	// the process must be reset or restarted.
	ErrCapacityExhausted = errors.New("id namespace exhausted")
)
