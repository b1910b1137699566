package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/flowforge/sagaflow/pkg/model"
)

var (
	ErrUnregisteredWorkflow = errors.New("workflow is not registered")
	ErrDuplicateWorkflow    = errors.New("workflow is already registered")
	ErrTypeMismatch         = errors.New("workflow input or output type mismatch")
	ErrInvalidOptions       = errors.New("invalid execution options")
	ErrLockContention       = errors.New("lock key is held by another execution")
	ErrLockLost             = errors.New("execution lost its lock lease")
	ErrRetryLimitExceeded   = errors.New("retry limit exceeded")
	ErrInvalidTransition    = errors.New("invalid execution state transition")
	ErrExecutionNotFound    = errors.New("execution not found")
	ErrExecutionFailed      = errors.New("execution failed")
	ErrCancelled            = errors.New("execution cancelled")
	ErrPaused               = errors.New("execution paused")
	ErrTimeout              = errors.New("execution timed out")
	ErrSuperseded           = errors.New("execution was taken over by another process")
)

// Signals raised between steps. They never leave the engine.
var (
	errCancelRequested = errors.New("cancel requested")
	errPauseRequested  = errors.New("pause requested")
	errDeadline        = errors.New("execution deadline exceeded")
	errSuperseded      = errors.New("execution no longer owned")
)

// ExecutionError reports an execution that did not complete. It matches the
// sentinel for its status (ErrExecutionFailed, ErrTimeout, ErrCancelled or
// ErrPaused) and, for failures, the cause returned by the workflow, typically
// a *saga.StepError.
type ExecutionError struct {
	ExecutionID  uuid.UUID
	Workflow     string
	Status       model.ExecutionStatus
	Cause        error
	Compensation error
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "execution %s of %s ended %s", e.ExecutionID, e.Workflow, e.Status)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if e.Compensation != nil {
		fmt.Fprintf(&b, " (%v)", e.Compensation)
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if sentinel := statusError(e.Status); sentinel != nil {
		errs = append(errs, sentinel)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func statusError(status model.ExecutionStatus) error {
	switch status {
	case model.ExecutionFailed:
		return ErrExecutionFailed
	case model.ExecutionTimeout:
		return ErrTimeout
	case model.ExecutionCancelled:
		return ErrCancelled
	case model.ExecutionPaused:
		return ErrPaused
	}
	return nil
}
