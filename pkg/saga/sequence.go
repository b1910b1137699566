package saga

import (
	"context"
	"errors"
	"fmt"
)

// OutputFunc builds a workflow's result once every step has completed.
type OutputFunc[In, Out any] func(ctx context.Context, in In, journal *Journal) (Out, error)

// Sequence is a Workflow made of steps run strictly in order.
type Sequence[In, Out any] struct {
	name   string
	steps  []Step[In]
	index  map[string]Step[In]
	output OutputFunc[In, Out]
}

func NewSequence[In, Out any](name string, output OutputFunc[In, Out], steps ...Step[In]) (*Sequence[In, Out], error) {
	if name == "" {
		return nil, errors.New("saga: workflow name is required")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("saga: workflow %q has no steps", name)
	}

	index := make(map[string]Step[In], len(steps))
	for _, step := range steps {
		if step.Name() == "" {
			return nil, fmt.Errorf("saga: workflow %q has an unnamed step", name)
		}
		if _, ok := index[step.Name()]; ok {
			return nil, fmt.Errorf("saga: workflow %q: %w %q", name, ErrDuplicateStep, step.Name())
		}
		index[step.Name()] = step
	}

	return &Sequence[In, Out]{name: name, steps: steps, index: index, output: output}, nil
}

func MustSequence[In, Out any](name string, output OutputFunc[In, Out], steps ...Step[In]) *Sequence[In, Out] {
	seq, err := NewSequence(name, output, steps...)
	if err != nil {
		panic(err)
	}
	return seq
}

func (s *Sequence[In, Out]) Name() string {
	return s.name
}

func (s *Sequence[In, Out]) StepNames() []string {
	names := make([]string, 0, len(s.steps))
	for _, step := range s.steps {
		names = append(names, step.Name())
	}
	return names
}

// Execute runs the steps not yet recorded in the run's journal, stopping at
// the first failure. Checkpoint errors are returned unchanged; step failures
// are returned as *StepError.
func (s *Sequence[In, Out]) Execute(ctx context.Context, in In, run *Run) (Out, error) {
	var zero Out
	journal := run.journal()

	for _, step := range s.steps {
		if journal.Completed(step.Name()) {
			continue
		}
		if err := run.checkpoint(ctx); err != nil {
			return zero, err
		}

		state, err := executeStep(ctx, step, in, run.StepContext(step.Name()))
		if err != nil {
			return zero, &StepError{Step: step.Name(), Err: err}
		}

		entry, err := journal.Append(step.Name(), state)
		if err != nil {
			return zero, &StepError{Step: step.Name(), Err: err}
		}
		if err := run.stepCompleted(ctx, entry); err != nil {
			return zero, err
		}
	}

	if s.output == nil {
		return zero, nil
	}
	return s.output(ctx, in, journal)
}

// Compensate undoes every completed, not yet compensated step in reverse
// completion order. It keeps going past failures and reports them together.
// Calling it again only retries the steps that failed.
func (s *Sequence[In, Out]) Compensate(ctx context.Context, run *Run) error {
	journal := run.journal()

	var failures []StepFailure
	for _, entry := range journal.Outstanding() {
		step, ok := s.index[entry.Step]
		if !ok {
			err := fmt.Errorf("%w %q", ErrUnknownStep, entry.Step)
			failures = append(failures, StepFailure{Step: entry.Step, Err: err})
			run.stepCompensated(ctx, entry.Step, err)
			continue
		}

		if err := compensateStep(ctx, step, run.StepContext(entry.Step)); err != nil {
			failures = append(failures, StepFailure{Step: entry.Step, Err: err})
			run.stepCompensated(ctx, entry.Step, err)
			continue
		}
		journal.markCompensated(entry.Step)
		run.stepCompensated(ctx, entry.Step, nil)
	}

	if len(failures) > 0 {
		return &CompensationError{Failures: failures}
	}
	return nil
}

func executeStep[In any](ctx context.Context, step Step[In], in In, sc *StepContext) (state any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.Execute(ctx, in, sc)
}

func compensateStep[In any](ctx context.Context, step Step[In], sc *StepContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.Compensate(ctx, sc)
}
