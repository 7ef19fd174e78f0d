package fleet

import "errors"

var (
	// ErrSessionUnavailable is returned when the target session is unknown or
	// its transport cannot be written to.
	ErrSessionUnavailable = errors.New("session unavailable")

	// ErrCorrelationNotFound is returned when a command result has not
	// arrived yet, was already collected, or has expired.
	ErrCorrelationNotFound = errors.New("correlation not found")

	// ErrPersistence wraps failures of the durable store. In-memory state
	// transitions are kept when it is returned.
	ErrPersistence = errors.New("persistence failure")

	ErrSessionNotFound = errors.New("session not found")
)
