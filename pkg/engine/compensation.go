package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/flowforge/sagaflow/pkg/metrics"
	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/saga"
)

const entityExecution = "workflow_execution"

func (e *Engine) newRun(a *attempt, journal *saga.Journal) *saga.Run {
	return &saga.Run{
		ExecutionID:   a.exec.ID.String(),
		CorrelationID: a.exec.CorrelationID,
		Attempt:       a.exec.Attempts,
		Journal:       journal,
		Hooks: saga.Hooks{
			Checkpoint: func(ctx context.Context) error {
				return e.checkpoint(ctx, a)
			},
			StepCompleted: func(ctx context.Context, entry saga.JournalEntry) error {
				return e.persistJournal(ctx, a)
			},
			StepCompensated: func(ctx context.Context, step string, err error) {
				e.stepCompensated(a.exec, step, err)
				if err == nil && a.claimed {
					e.persistCompensation(ctx, a)
				}
			},
		},
	}
}

// settle decides what a run that stopped early turns into.
func (e *Engine) settle(ctx context.Context, a *attempt, cause error) error {
	ctx = context.WithoutCancel(ctx)

	switch {
	case errors.Is(cause, errSuperseded):
		return e.abandon(ctx, a)
	case errors.Is(cause, errPauseRequested):
		return e.pause(ctx, a)
	case errors.Is(cause, errCancelRequested):
		return e.unwind(ctx, a, model.ExecutionCancelled, nil)
	case errors.Is(cause, errDeadline),
		errors.Is(cause, context.DeadlineExceeded) && a.exec.Expired(e.now()):
		return e.unwind(ctx, a, model.ExecutionTimeout, nil)
	default:
		return e.unwind(ctx, a, model.ExecutionFailed, cause)
	}
}

func (e *Engine) pause(ctx context.Context, a *attempt) error {
	journal, err := model.MarshalJSON(a.run.Journal)
	if err != nil {
		return err
	}
	err = e.save(ctx, a, func(x *model.WorkflowExecution) {
		x.Status = model.ExecutionPaused
		if x.Control == model.ControlPause {
			x.Control = model.ControlNone
		}
		x.Journal = journal
	})
	if err != nil {
		if errors.Is(err, errSuperseded) {
			return e.abandon(ctx, a)
		}
		return err
	}

	e.logger.Info("execution paused",
		zap.String("execution_id", a.exec.ID.String()),
		zap.String("workflow", a.reg.name),
		zap.Int("completed_steps", a.run.Journal.Len()),
	)
	return &ExecutionError{ExecutionID: a.exec.ID, Workflow: a.reg.name, Status: model.ExecutionPaused}
}

// unwind claims the execution for compensation and drives it to status.
// The claim makes sure only one process ever compensates an execution.
func (e *Engine) unwind(ctx context.Context, a *attempt, status model.ExecutionStatus, cause error) error {
	journal, err := model.MarshalJSON(a.run.Journal)
	if err != nil {
		return err
	}
	err = e.save(ctx, a, func(x *model.WorkflowExecution) {
		x.Control = model.ControlCompensating
		x.Journal = journal
	})
	if err != nil {
		if errors.Is(err, errSuperseded) {
			return e.abandon(ctx, a)
		}
		e.logger.Error("failed to claim execution for compensation",
			zap.String("execution_id", a.exec.ID.String()),
			zap.String("workflow", a.reg.name),
			zap.Error(err),
		)
		return fmt.Errorf("claim execution %s for compensation: %w", a.exec.ID, err)
	}
	a.claimed = true
	a.persisted = a.run.Journal.Len()

	return e.compensateAndFinish(ctx, a, status, cause)
}

// compensateAndFinish requires a claimed attempt.
func (e *Engine) compensateAndFinish(ctx context.Context, a *attempt, status model.ExecutionStatus, cause error) error {
	compErr := a.reg.compensate(ctx, a.run)
	if compErr != nil {
		e.escalate(ctx, a.exec, compErr)
	}

	lastError := describe(status, cause)
	journal, err := model.MarshalJSON(a.run.Journal)
	if err != nil {
		return err
	}
	now := e.now()
	event := lifecycleEvent(a.exec, status, lastError)
	err = e.save(ctx, a, func(x *model.WorkflowExecution) {
		x.Status = status
		x.Control = model.ControlNone
		x.Journal = journal
		x.CompletedAt = &now
		x.LastError = lastError
	}, event)
	if err != nil {
		if errors.Is(err, errSuperseded) {
			e.logger.Warn("execution taken over after compensation",
				zap.String("execution_id", a.exec.ID.String()),
				zap.String("workflow", a.reg.name),
			)
			return fmt.Errorf("%w: %s", ErrSuperseded, a.exec.ID)
		}
		return err
	}

	metrics.ExecutionsTotal.WithLabelValues(a.reg.name, string(status)).Inc()
	fields := []zap.Field{
		zap.String("execution_id", a.exec.ID.String()),
		zap.String("workflow", a.reg.name),
		zap.String("status", string(status)),
		zap.Int("attempts", a.exec.Attempts),
		zap.String("last_error", lastError),
	}
	if status == model.ExecutionCancelled {
		e.logger.Info("execution finished", fields...)
	} else {
		e.logger.Warn("execution finished", fields...)
	}

	return &ExecutionError{
		ExecutionID:  a.exec.ID,
		Workflow:     a.reg.name,
		Status:       status,
		Cause:        cause,
		Compensation: compErr,
	}
}

// abandon is called when another process took the execution over. That
// process compensates what the row's journal records; steps this process
// completed after its last journal write are compensated here.
func (e *Engine) abandon(ctx context.Context, a *attempt) error {
	orphans := a.run.Journal.Since(a.persisted)
	if orphans.Len() > 0 {
		run := &saga.Run{
			ExecutionID:   a.exec.ID.String(),
			CorrelationID: a.exec.CorrelationID,
			Attempt:       a.exec.Attempts,
			Journal:       orphans,
			Hooks: saga.Hooks{
				StepCompensated: func(ctx context.Context, step string, err error) {
					e.stepCompensated(a.exec, step, err)
				},
			},
		}
		if err := a.reg.compensate(ctx, run); err != nil {
			e.escalate(ctx, a.exec, err)
		}
	}

	e.logger.Warn("execution abandoned to another process",
		zap.String("execution_id", a.exec.ID.String()),
		zap.String("workflow", a.reg.name),
		zap.Int("orphaned_steps", orphans.Len()),
	)
	return fmt.Errorf("%w: %s", ErrSuperseded, a.exec.ID)
}

func (e *Engine) persistCompensation(ctx context.Context, a *attempt) {
	journal, err := model.MarshalJSON(a.run.Journal)
	if err == nil {
		err = e.save(ctx, a, func(x *model.WorkflowExecution) {
			x.Journal = journal
		})
	}
	if err != nil {
		e.logger.Warn("failed to record compensation progress",
			zap.String("execution_id", a.exec.ID.String()),
			zap.Error(err),
		)
	}
}

func (e *Engine) stepCompensated(exec *model.WorkflowExecution, step string, err error) {
	if err != nil {
		metrics.CompensationsTotal.WithLabelValues(exec.WorkflowName, "failure").Inc()
		e.logger.Error("step compensation failed",
			zap.String("execution_id", exec.ID.String()),
			zap.String("workflow", exec.WorkflowName),
			zap.String("step", step),
			zap.Error(err),
		)
		return
	}
	metrics.CompensationsTotal.WithLabelValues(exec.WorkflowName, "success").Inc()
	e.logger.Info("step compensated",
		zap.String("execution_id", exec.ID.String()),
		zap.String("workflow", exec.WorkflowName),
		zap.String("step", step),
	)
}

// escalate records every failed compensation as a critical intervention.
// Compensation is not retried automatically.
func (e *Engine) escalate(ctx context.Context, exec *model.WorkflowExecution, compErr error) {
	failures := []saga.StepFailure{{Err: compErr}}
	var ce *saga.CompensationError
	if errors.As(compErr, &ce) {
		failures = ce.Failures
	}

	for _, failure := range failures {
		intervention := &model.Intervention{
			EntityType:   entityExecution,
			EntityID:     exec.ID.String(),
			WorkflowName: exec.WorkflowName,
			Step:         failure.Step,
			Severity:     model.SeverityCritical,
			Reason:       fmt.Sprintf("compensation failed: %v", failure.Err),
		}
		metrics.InterventionsTotal.WithLabelValues(string(model.SeverityCritical)).Inc()
		if err := e.interventions.Create(ctx, intervention); err != nil {
			e.logger.Error("failed to record manual intervention",
				zap.String("execution_id", exec.ID.String()),
				zap.String("step", failure.Step),
				zap.String("reason", intervention.Reason),
				zap.Error(err),
			)
			continue
		}
		e.logger.Error("compensation requires manual intervention",
			zap.String("execution_id", exec.ID.String()),
			zap.String("workflow", exec.WorkflowName),
			zap.String("step", failure.Step),
			zap.String("intervention_id", intervention.ID.String()),
		)
	}
}

func describe(status model.ExecutionStatus, cause error) string {
	switch {
	case cause != nil:
		return cause.Error()
	case status == model.ExecutionTimeout:
		return errDeadline.Error()
	case status == model.ExecutionCancelled:
		return ErrCancelled.Error()
	}
	return ""
}
