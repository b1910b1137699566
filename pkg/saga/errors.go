package saga

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownStep   = errors.New("unknown step")
	ErrDuplicateStep = errors.New("duplicate step")
)

// StepError is a failure of a step's Execute.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type StepFailure struct {
	Step string
	Err  error
}

// CompensationError lists the steps whose compensation failed. Steps that
// compensated successfully are not included.
type CompensationError struct {
	Failures []StepFailure
}

func (e *CompensationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", failure.Step, failure.Err))
	}
	return fmt.Sprintf("compensation failed for %d step(s): %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *CompensationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, failure := range e.Failures {
		errs = append(errs, failure.Err)
	}
	return errs
}
