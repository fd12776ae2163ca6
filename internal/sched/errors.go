package sched

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidParameters is returned when period <= 0 or wcet is not in (0, period].
	ErrInvalidParameters = errors.New("invalid admission parameters")

	// ErrCapacityExceeded is returned when the task table has no free slot.
	ErrCapacityExceeded = errors.New("task table is full")

	// ErrUnknownTask is returned by operations on a handle that is not admitted.
	ErrUnknownTask = errors.New("unknown task")
)

// UtilizationExceededError is returned when admitting a task would push the
// CPU's utilization past the admission threshold.
type UtilizationExceededError struct {
	CPU       int
	Current   Utilization
	Requested Utilization
	Threshold Utilization
}

func (e *UtilizationExceededError) Error() string {
	return fmt.Sprintf("admission rejected: utilization %s > %s threshold",
		e.Current+e.Requested, e.Threshold)
}

// IsUtilizationExceeded reports whether err (or its cause) is a
// *UtilizationExceededError.
func IsUtilizationExceeded(err error) bool {
	_, ok := errors.Cause(err).(*UtilizationExceededError)
	return ok
}

// IsInvalidParameters reports whether err was caused by ErrInvalidParameters.
func IsInvalidParameters(err error) bool {
	return errors.Cause(err) == ErrInvalidParameters
}
