package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/saga"
)

// registration erases a workflow's type parameters. The input travels as the
// JSON persisted on the execution so retries and resumes decode it again.
type registration struct {
	name       string
	inType     reflect.Type
	outType    reflect.Type
	run        func(ctx context.Context, input json.RawMessage, run *saga.Run) (any, error)
	compensate func(ctx context.Context, run *saga.Run) error
}

// Result is the outcome of a typed execution.
type Result[Out any] struct {
	ExecutionID string
	Status      model.ExecutionStatus
	Output      Out
}

// Register makes wf executable by name. A name can be registered once.
func Register[In, Out any](e *Engine, wf saga.Workflow[In, Out]) error {
	name := wf.Name()
	if name == "" {
		return fmt.Errorf("%w: workflow name is empty", ErrInvalidOptions)
	}

	reg := &registration{
		name:    name,
		inType:  typeOf[In](),
		outType: typeOf[Out](),
		run: func(ctx context.Context, input json.RawMessage, run *saga.Run) (any, error) {
			var in In
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("decode input of %s: %w", name, err)
			}
			return wf.Execute(ctx, in, run)
		},
		compensate: wf.Compensate,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWorkflow, name)
	}
	e.workflows[name] = reg
	return nil
}

// MustRegister is Register for program initialisation.
func MustRegister[In, Out any](e *Engine, wf saga.Workflow[In, Out]) {
	if err := Register(e, wf); err != nil {
		panic(err)
	}
}

// Execute runs the workflow registered under name. In and Out must be the
// types the workflow was registered with.
func Execute[In, Out any](ctx context.Context, e *Engine, name string, in In, opts Options) (Result[Out], error) {
	var result Result[Out]

	reg, err := e.registration(name)
	if err != nil {
		return result, err
	}
	if reg.inType != typeOf[In]() || reg.outType != typeOf[Out]() {
		return result, fmt.Errorf("%w: %s takes %s and returns %s, called with %s and %s",
			ErrTypeMismatch, name, reg.inType, reg.outType, typeOf[In](), typeOf[Out]())
	}

	input, err := model.MarshalJSON(in)
	if err != nil {
		return result, fmt.Errorf("encode input of %s: %w", name, err)
	}

	exec, output, err := e.start(ctx, reg, input, opts)
	if exec != nil {
		result.ExecutionID = exec.ID.String()
		result.Status = exec.Status
	}
	if out, ok := output.(Out); ok {
		result.Output = out
	}
	return result, err
}

// ExecuteJSON runs the workflow registered under name with an already encoded
// input. The input must decode into the workflow's input type.
func (e *Engine) ExecuteJSON(ctx context.Context, name string, input json.RawMessage, opts Options) (*model.WorkflowExecution, error) {
	reg, err := e.registration(name)
	if err != nil {
		return nil, err
	}
	decoded := reflect.New(reg.inType).Interface()
	if err := json.Unmarshal(input, decoded); err != nil {
		return nil, fmt.Errorf("%w: input does not decode into %s: %v", ErrTypeMismatch, reg.inType, err)
	}

	exec, _, err := e.start(ctx, reg, model.JSON(input), opts)
	return exec, err
}

// Workflows lists the registered workflow names.
func (e *Engine) Workflows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.workflows))
	for name := range e.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) registration(name string) (*registration, error) {
	e.mu.RLock()
	reg, ok := e.workflows[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredWorkflow, name)
	}
	return reg, nil
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
