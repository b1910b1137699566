package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/sagaflow/pkg/lock"
	"github.com/flowforge/sagaflow/pkg/metrics"
	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/saga"
	"github.com/flowforge/sagaflow/pkg/store"
)

// RetryExecution runs a FAILED execution again from its first step as a new
// attempt. It is rejected once the execution used all of its attempts.
func (e *Engine) RetryExecution(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error) {
	exec, err := e.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status != model.ExecutionFailed {
		return exec, fmt.Errorf("%w: cannot retry %s execution %s", ErrInvalidTransition, exec.Status, id)
	}
	if exec.Attempts >= exec.MaxRetries {
		return exec, fmt.Errorf("%w: execution %s used %d of %d attempts", ErrRetryLimitExceeded, id, exec.Attempts, exec.MaxRetries)
	}
	reg, err := e.registration(exec.WorkflowName)
	if err != nil {
		return exec, err
	}

	a := &attempt{exec: exec, reg: reg, lockTTL: e.lockTTL(exec.TimeoutSeconds)}
	if err := e.acquire(ctx, a); err != nil {
		return exec, err
	}
	defer e.releaseUnlessPaused(ctx, exec)

	started := time.Now()
	defer func() {
		metrics.ExecutionDuration.WithLabelValues(reg.name).Observe(time.Since(started).Seconds())
	}()

	now := e.now()
	claim := *exec
	claim.Status = model.ExecutionRunning
	claim.Control = model.ControlNone
	claim.Attempts++
	claim.Journal = nil
	claim.Output = nil
	claim.LastError = ""
	claim.CompletedAt = nil
	claim.StartedAt = &now
	claim.DeadlineAt = deadline(now, claim.TimeoutSeconds)
	if err := e.executions.Update(ctx, &claim); err != nil {
		return exec, fmt.Errorf("retry execution %s: %w", id, err)
	}
	*exec = claim

	e.logger.Info("execution retry started",
		zap.String("execution_id", exec.ID.String()),
		zap.String("workflow", reg.name),
		zap.Int("attempts", exec.Attempts),
		zap.Int("max_retries", exec.MaxRetries),
	)

	_, err = e.drive(ctx, a, json.RawMessage(exec.Input))
	return exec, err
}

// CancelExecution cancels a PENDING execution directly and a PAUSED one by
// compensating its journal. A RUNNING execution is only flagged; its runner
// compensates it before the next step.
func (e *Engine) CancelExecution(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error) {
	for i := 0; i < saveAttempts; i++ {
		exec, err := e.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}

		switch exec.Status {
		case model.ExecutionPending:
			err = e.cancelPending(ctx, exec)
		case model.ExecutionRunning:
			switch exec.Control {
			case model.ControlCancel:
				return exec, nil
			case model.ControlCompensating:
				return exec, fmt.Errorf("%w: execution %s is already compensating", ErrInvalidTransition, id)
			}
			exec.Control = model.ControlCancel
			err = e.executions.Update(ctx, exec)
		case model.ExecutionPaused:
			err = e.cancelPaused(ctx, exec)
		default:
			return exec, fmt.Errorf("%w: cannot cancel %s execution %s", ErrInvalidTransition, exec.Status, id)
		}

		if err == nil {
			e.logger.Info("execution cancel accepted",
				zap.String("execution_id", exec.ID.String()),
				zap.String("workflow", exec.WorkflowName),
				zap.String("status", string(exec.Status)),
			)
			return exec, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return exec, err
		}
	}
	return nil, fmt.Errorf("cancel execution %s: %w", id, store.ErrVersionConflict)
}

func (e *Engine) cancelPending(ctx context.Context, exec *model.WorkflowExecution) error {
	now := e.now()
	claim := *exec
	claim.Status = model.ExecutionCancelled
	claim.Control = model.ControlNone
	claim.CompletedAt = &now
	claim.LastError = ErrCancelled.Error()

	event := lifecycleEvent(&claim, model.ExecutionCancelled, claim.LastError)
	err := e.tx.Transaction(ctx, func(ctx context.Context) error {
		if err := e.executions.Update(ctx, &claim); err != nil {
			return err
		}
		_, err := e.events.Enqueue(ctx, event, claim.CorrelationID)
		return err
	})
	if err != nil {
		return err
	}
	*exec = claim
	metrics.ExecutionsTotal.WithLabelValues(exec.WorkflowName, string(model.ExecutionCancelled)).Inc()
	e.releaseLock(ctx, exec)
	return nil
}

func (e *Engine) cancelPaused(ctx context.Context, exec *model.WorkflowExecution) error {
	if exec.Control == model.ControlCompensating {
		return fmt.Errorf("%w: execution %s is already compensating", ErrInvalidTransition, exec.ID)
	}
	reg, err := e.registration(exec.WorkflowName)
	if err != nil {
		return err
	}

	a, err := e.claim(ctx, exec, reg)
	if err != nil {
		return err
	}
	err = e.compensateAndFinish(ctx, a, model.ExecutionCancelled, nil)
	e.releaseLock(ctx, a.exec)
	*exec = *a.exec
	if errors.Is(err, ErrCancelled) {
		return nil
	}
	return err
}

// PauseExecution asks the runner of a RUNNING execution to stop before its
// next step. The execution keeps its lock until it is resumed or cancelled.
func (e *Engine) PauseExecution(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error) {
	for i := 0; i < saveAttempts; i++ {
		exec, err := e.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Status != model.ExecutionRunning {
			return exec, fmt.Errorf("%w: cannot pause %s execution %s", ErrInvalidTransition, exec.Status, id)
		}
		switch exec.Control {
		case model.ControlPause:
			return exec, nil
		case model.ControlNone:
		default:
			return exec, fmt.Errorf("%w: execution %s has %s pending", ErrInvalidTransition, id, exec.Control)
		}

		exec.Control = model.ControlPause
		err = e.executions.Update(ctx, exec)
		if err == nil {
			e.logger.Info("execution pause requested", zap.String("execution_id", exec.ID.String()))
			return exec, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return exec, err
		}
	}
	return nil, fmt.Errorf("pause execution %s: %w", id, store.ErrVersionConflict)
}

// ResumeExecution continues a PAUSED execution after its last completed step.
// Resuming grants a fresh timeout window.
func (e *Engine) ResumeExecution(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error) {
	exec, err := e.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status != model.ExecutionPaused || exec.Control == model.ControlCompensating {
		return exec, fmt.Errorf("%w: cannot resume %s execution %s", ErrInvalidTransition, exec.Status, id)
	}
	reg, err := e.registration(exec.WorkflowName)
	if err != nil {
		return exec, err
	}

	a := &attempt{exec: exec, reg: reg, lockTTL: e.lockTTL(exec.TimeoutSeconds)}
	if err := e.reacquire(ctx, a); err != nil {
		return exec, err
	}
	defer e.releaseUnlessPaused(ctx, exec)

	started := time.Now()
	defer func() {
		metrics.ExecutionDuration.WithLabelValues(reg.name).Observe(time.Since(started).Seconds())
	}()

	now := e.now()
	claim := *exec
	claim.Status = model.ExecutionRunning
	if claim.Control != model.ControlCancel {
		claim.Control = model.ControlNone
	}
	claim.DeadlineAt = deadline(now, claim.TimeoutSeconds)
	if err := e.executions.Update(ctx, &claim); err != nil {
		return exec, fmt.Errorf("resume execution %s: %w", id, err)
	}
	*exec = claim

	e.logger.Info("execution resumed",
		zap.String("execution_id", exec.ID.String()),
		zap.String("workflow", reg.name),
	)

	_, err = e.drive(ctx, a, json.RawMessage(exec.Input))
	return exec, err
}

// reacquire extends the lease a paused execution still holds, or takes the
// lock key again when the lease expired meanwhile.
func (e *Engine) reacquire(ctx context.Context, a *attempt) error {
	if a.exec.LockKey == "" {
		return nil
	}
	if a.exec.LockToken != "" {
		err := e.locker.Refresh(ctx, a.exec.LockKey, a.exec.LockToken, a.lockTTL)
		if err == nil {
			return nil
		}
		if !errors.Is(err, lock.ErrNotOwner) {
			return fmt.Errorf("refresh lock %s: %w", a.exec.LockKey, err)
		}
	}
	return e.acquire(ctx, a)
}

// TimeoutExecution compensates a RUNNING execution whose deadline passed and
// marks it TIMEOUT. It reports false without error when there is nothing to
// do or another process got there first. An execution another process is
// already compensating is left alone for the compensation grace period.
func (e *Engine) TimeoutExecution(ctx context.Context, id uuid.UUID) (bool, error) {
	exec, err := e.GetExecution(ctx, id)
	if err != nil {
		return false, err
	}
	now := e.now()
	if exec.Status != model.ExecutionRunning || !exec.Expired(now) {
		return false, nil
	}
	if exec.Control == model.ControlCompensating && now.Sub(exec.UpdatedAt) < e.cfg.CompensationGrace {
		return false, nil
	}
	reg, err := e.registration(exec.WorkflowName)
	if err != nil {
		return false, err
	}

	a, err := e.claim(ctx, exec, reg)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return false, nil
		}
		return false, err
	}

	e.logger.Warn("execution deadline exceeded",
		zap.String("execution_id", exec.ID.String()),
		zap.String("workflow", reg.name),
		zap.Timep("deadline_at", exec.DeadlineAt),
	)
	err = e.compensateAndFinish(ctx, a, model.ExecutionTimeout, nil)
	e.releaseLock(ctx, a.exec)
	if errors.Is(err, ErrTimeout) {
		return true, nil
	}
	if errors.Is(err, ErrSuperseded) {
		return false, nil
	}
	return false, err
}

// claim marks exec compensating on behalf of a process that is not running it.
func (e *Engine) claim(ctx context.Context, exec *model.WorkflowExecution, reg *registration) (*attempt, error) {
	journal, err := saga.DecodeJournal(exec.Journal)
	if err != nil {
		return nil, err
	}

	claim := *exec
	claim.Control = model.ControlCompensating
	if err := e.executions.Update(ctx, &claim); err != nil {
		return nil, err
	}

	a := &attempt{exec: &claim, reg: reg, lockTTL: e.lockTTL(claim.TimeoutSeconds), claimed: true}
	a.run = e.newRun(a, journal)
	a.persisted = journal.Len()
	return a, nil
}
