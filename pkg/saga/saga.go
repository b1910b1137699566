// Package saga holds the building blocks of compensating workflows: steps,
// the per-execution journal of what each step produced, and Sequence, which
// runs steps in order and undoes them in reverse.
package saga

import (
	"context"
	"fmt"
)

// Workflow is a named unit the engine can run and compensate. Execute must
// stop at the first failing step; Compensate is invoked by the engine, never by
// the workflow itself, and must undo exactly what the run's journal records.
type Workflow[In, Out any] interface {
	Name() string
	Execute(ctx context.Context, in In, run *Run) (Out, error)
	Compensate(ctx context.Context, run *Run) error
}

// Step is one unit of work. Execute returns the state compensation needs,
// which is recorded in the journal. Compensate must be idempotent and must
// return nil when there is nothing to undo.
type Step[In any] interface {
	Name() string
	Execute(ctx context.Context, in In, sc *StepContext) (any, error)
	Compensate(ctx context.Context, sc *StepContext) error
}

type ExecuteFunc[In any] func(ctx context.Context, in In, sc *StepContext) (any, error)

type CompensateFunc func(ctx context.Context, sc *StepContext) error

type funcStep[In any] struct {
	name       string
	execute    ExecuteFunc[In]
	compensate CompensateFunc
}

// NewStep builds a Step from functions. A nil compensate means the step has
// nothing to undo.
func NewStep[In any](name string, execute ExecuteFunc[In], compensate CompensateFunc) Step[In] {
	return &funcStep[In]{name: name, execute: execute, compensate: compensate}
}

func (s *funcStep[In]) Name() string {
	return s.name
}

func (s *funcStep[In]) Execute(ctx context.Context, in In, sc *StepContext) (any, error) {
	return s.execute(ctx, in, sc)
}

func (s *funcStep[In]) Compensate(ctx context.Context, sc *StepContext) error {
	if s.compensate == nil {
		return nil
	}
	return s.compensate(ctx, sc)
}

// StepContext is what a step sees of its execution.
type StepContext struct {
	ExecutionID   string
	CorrelationID string
	Attempt       int
	Step          string

	journal *Journal
}

// IdempotencyKey identifies this step within one attempt of one execution.
// It is stable when a paused or interrupted attempt is resumed, and changes
// when a failed execution is retried after its steps were compensated.
func (c *StepContext) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d:%s", c.ExecutionID, c.Attempt, c.Step)
}

// State decodes the state this step recorded when it completed.
func (c *StepContext) State(v any) (bool, error) {
	return c.journal.Lookup(c.Step, v)
}

// Lookup decodes the state recorded by an earlier step.
func (c *StepContext) Lookup(step string, v any) (bool, error) {
	return c.journal.Lookup(step, v)
}

// Hooks let the engine observe a run. Checkpoint runs before every step and
// aborts the run when it returns an error; StepCompleted runs after a step's
// entry has been appended to the journal.
type Hooks struct {
	Checkpoint      func(ctx context.Context) error
	StepCompleted   func(ctx context.Context, entry JournalEntry) error
	StepCompensated func(ctx context.Context, step string, err error)
}

// Run is one attempt of one execution.
type Run struct {
	ExecutionID   string
	CorrelationID string
	Attempt       int
	Journal       *Journal
	Hooks         Hooks
}

func (r *Run) journal() *Journal {
	if r.Journal == nil {
		r.Journal = NewJournal()
	}
	return r.Journal
}

func (r *Run) StepContext(step string) *StepContext {
	return &StepContext{
		ExecutionID:   r.ExecutionID,
		CorrelationID: r.CorrelationID,
		Attempt:       r.Attempt,
		Step:          step,
		journal:       r.journal(),
	}
}

func (r *Run) checkpoint(ctx context.Context) error {
	if r.Hooks.Checkpoint == nil {
		return nil
	}
	return r.Hooks.Checkpoint(ctx)
}

func (r *Run) stepCompleted(ctx context.Context, entry JournalEntry) error {
	if r.Hooks.StepCompleted == nil {
		return nil
	}
	return r.Hooks.StepCompleted(ctx, entry)
}

func (r *Run) stepCompensated(ctx context.Context, step string, err error) {
	if r.Hooks.StepCompensated != nil {
		r.Hooks.StepCompensated(ctx, step, err)
	}
}
