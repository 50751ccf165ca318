// Package errors defines the engine's sentinel errors and matching helpers.
package errors

import "errors"

var (
	// ErrInvalidGraph indicates that the pipeline definition failed validation
	ErrInvalidGraph = errors.New("invalid pipeline graph")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrIncomplete indicates that a batch run was abandoned before draining
	ErrIncomplete = errors.New("execution incomplete")

	// ErrStepFailed indicates that a step failed to produce an output for an input
	ErrStepFailed = errors.New("step failed")

	// ErrShuttingDown indicates that the engine is shutting down and no longer accepts work
	ErrShuttingDown = errors.New("engine shutting down")
)

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsIncomplete checks if an error reports an abandoned batch run
func IsIncomplete(err error) bool {
	return errors.Is(err, ErrIncomplete)
}

// IsStepFailed checks if an error originated from a step failure signal
func IsStepFailed(err error) bool {
	return errors.Is(err, ErrStepFailed)
}
