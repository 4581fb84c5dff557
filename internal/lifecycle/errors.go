package lifecycle

import (
	"errors"
	"fmt"

	"github.com/harrison/autobuild/internal/models"
	"github.com/harrison/autobuild/internal/tasks"
)

// ErrTaskNotFound is returned when a task id names no spec directory.
var ErrTaskNotFound = tasks.ErrTaskNotFound

// ErrTaskRunning is returned by Recover while the task still has a process.
var ErrTaskRunning = errors.New("Task is still running. Stop it first before recovering.")

// PreconditionError reports a failed start precondition. Nothing was spawned.
type PreconditionError struct {
	TaskID string
	Reason string // human-readable, shown to the user as-is
}

// Error implements the error interface for PreconditionError.
func (e *PreconditionError) Error() string {
	return e.Reason
}

// InvalidTransitionError reports a rejected status change. Nothing was
// written.
type InvalidTransitionError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
	Reason string
}

// Error implements the error interface for InvalidTransitionError.
func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("cannot move task %s from %s to %s", e.TaskID, e.From, e.To)
}

// IsPrecondition reports whether err is a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}
