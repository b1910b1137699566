// Package engine runs registered saga workflows as persisted executions:
// it serialises executions sharing a lock key, records every step in the
// execution's journal, and compensates completed steps in reverse when an
// execution fails, times out or is cancelled.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/sagaflow/pkg/config"
	"github.com/flowforge/sagaflow/pkg/lock"
	"github.com/flowforge/sagaflow/pkg/logging"
	"github.com/flowforge/sagaflow/pkg/metrics"
	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/outbox"
	"github.com/flowforge/sagaflow/pkg/saga"
	"github.com/flowforge/sagaflow/pkg/store"
)

const (
	// saveAttempts bounds how often a write is retried after another process
	// only touched the control column.
	saveAttempts = 3
	lockMargin   = 30 * time.Second
)

// Options tune one execution. A zero MaxRetries uses the engine default and a
// zero TimeoutSeconds means no deadline.
type Options struct {
	CorrelationID  string `validate:"max=128"`
	LockKey        string `validate:"max=255"`
	TimeoutSeconds int    `validate:"gte=0"`
	MaxRetries     int    `validate:"gte=0"`
}

type Engine struct {
	tx            store.Transactor
	executions    store.ExecutionStore
	interventions store.InterventionStore
	events        *outbox.Service
	locker        lock.Locker
	logger        *zap.Logger
	cfg           config.EngineConfig
	validate      *validator.Validate
	now           func() time.Time

	mu        sync.RWMutex
	workflows map[string]*registration
}

func New(
	tx store.Transactor,
	executions store.ExecutionStore,
	interventions store.InterventionStore,
	events *outbox.Service,
	locker lock.Locker,
	logger *zap.Logger,
	cfg config.EngineConfig,
) *Engine {
	logger = logging.OrNop(logger)
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.CompensationGrace <= 0 {
		cfg.CompensationGrace = 5 * time.Minute
	}
	return &Engine{
		tx:            tx,
		executions:    executions,
		interventions: interventions,
		events:        events,
		locker:        locker,
		logger:        logger,
		cfg:           cfg,
		validate:      validator.New(),
		now:           func() time.Time { return time.Now().UTC() },
		workflows:     make(map[string]*registration),
	}
}

// attempt is the in-memory side of one run of an execution by this process.
type attempt struct {
	exec      *model.WorkflowExecution
	reg       *registration
	run       *saga.Run
	lockTTL   time.Duration
	persisted int
	// claimed is set once this process has marked the row compensating.
	claimed bool
}

// owns reports whether a row changed by someone else is still ours to write.
// Only cancel and pause requests may touch a row we run; after a claim no
// other write is expected at all.
func (a *attempt) owns(current *model.WorkflowExecution) bool {
	return !a.claimed &&
		current.Status == a.exec.Status &&
		current.Attempts == a.exec.Attempts &&
		current.Control != model.ControlCompensating
}

// GetExecution returns the persisted execution.
func (e *Engine) GetExecution(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error) {
	exec, err := e.executions.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrExecutionNotFound, err)
	}
	return exec, err
}

func (e *Engine) start(ctx context.Context, reg *registration, input model.JSON, opts Options) (*model.WorkflowExecution, any, error) {
	if err := e.validate.Struct(opts); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.cfg.DefaultMaxRetries
	}

	exec := &model.WorkflowExecution{
		ID:             uuid.New(),
		WorkflowName:   reg.name,
		Status:         model.ExecutionPending,
		Input:          input,
		CorrelationID:  opts.CorrelationID,
		LockKey:        opts.LockKey,
		Attempts:       1,
		MaxRetries:     maxRetries,
		TimeoutSeconds: opts.TimeoutSeconds,
	}
	a := &attempt{exec: exec, reg: reg, lockTTL: e.lockTTL(opts.TimeoutSeconds)}

	if err := e.acquire(ctx, a); err != nil {
		return nil, nil, err
	}
	defer e.releaseUnlessPaused(ctx, exec)

	if err := e.executions.Create(ctx, exec); err != nil {
		return nil, nil, fmt.Errorf("create execution: %w", err)
	}

	started := time.Now()
	defer func() {
		metrics.ExecutionDuration.WithLabelValues(reg.name).Observe(time.Since(started).Seconds())
	}()

	now := e.now()
	err := e.save(ctx, a, func(x *model.WorkflowExecution) {
		x.Status = model.ExecutionRunning
		x.StartedAt = &now
		x.DeadlineAt = deadline(now, x.TimeoutSeconds)
	})
	if err != nil {
		if errors.Is(err, errSuperseded) {
			return exec, nil, fmt.Errorf("%w: execution %s changed before it started", ErrSuperseded, exec.ID)
		}
		return exec, nil, err
	}

	e.logger.Info("execution started",
		zap.String("execution_id", exec.ID.String()),
		zap.String("workflow", reg.name),
		zap.String("correlation_id", exec.CorrelationID),
		zap.String("lock_key", exec.LockKey),
	)

	output, err := e.drive(ctx, a, json.RawMessage(input))
	return exec, output, err
}

// drive runs the workflow from wherever the attempt's journal left off and
// settles the execution.
func (e *Engine) drive(ctx context.Context, a *attempt, input json.RawMessage) (any, error) {
	journal, err := saga.DecodeJournal(a.exec.Journal)
	if err != nil {
		return nil, err
	}
	a.persisted = journal.Len()
	a.run = e.newRun(a, journal)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if a.exec.DeadlineAt != nil {
		runCtx, cancel = context.WithDeadline(ctx, *a.exec.DeadlineAt)
	}
	defer cancel()

	output, err := a.reg.run(runCtx, input, a.run)
	if err != nil {
		return nil, e.settle(ctx, a, err)
	}
	if err := e.complete(ctx, a, output); err != nil {
		return nil, err
	}
	return output, nil
}

// checkpoint runs before every step. It picks up cancel and pause requests,
// enforces the deadline and keeps the lock lease alive.
func (e *Engine) checkpoint(ctx context.Context, a *attempt) error {
	current, err := e.executions.Get(ctx, a.exec.ID)
	if err != nil {
		return err
	}
	if current.Version != a.exec.Version {
		if !a.owns(current) {
			return errSuperseded
		}
		a.exec.Version = current.Version
		a.exec.Control = current.Control
	}

	switch a.exec.Control {
	case model.ControlCancel:
		return errCancelRequested
	case model.ControlPause:
		return errPauseRequested
	}
	if a.exec.Expired(e.now()) {
		return errDeadline
	}

	if a.exec.LockKey != "" && a.exec.LockToken != "" {
		if err := e.locker.Refresh(ctx, a.exec.LockKey, a.exec.LockToken, a.lockTTL); err != nil {
			if errors.Is(err, lock.ErrNotOwner) {
				return fmt.Errorf("%w: %s", ErrLockLost, a.exec.LockKey)
			}
			return err
		}
	}
	return nil
}

func (e *Engine) persistJournal(ctx context.Context, a *attempt) error {
	journal, err := model.MarshalJSON(a.run.Journal)
	if err != nil {
		return err
	}
	if err := e.save(ctx, a, func(x *model.WorkflowExecution) {
		x.Journal = journal
	}); err != nil {
		return err
	}
	a.persisted = a.run.Journal.Len()
	return nil
}

// save applies mutate to a copy of the attempt's execution and writes it, with
// events enqueued in the same transaction. A version conflict caused by a
// cancel or pause request is absorbed by re-reading the version and control
// column; any other concurrent change returns errSuperseded.
func (e *Engine) save(ctx context.Context, a *attempt, mutate func(*model.WorkflowExecution), events ...outbox.Event) error {
	var lastErr error
	for i := 0; i < saveAttempts; i++ {
		candidate := *a.exec
		mutate(&candidate)

		err := e.tx.Transaction(ctx, func(ctx context.Context) error {
			if err := e.executions.Update(ctx, &candidate); err != nil {
				return err
			}
			for _, event := range events {
				if _, err := e.events.Enqueue(ctx, event, candidate.CorrelationID); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			*a.exec = candidate
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		lastErr = err

		current, err := e.executions.Get(ctx, a.exec.ID)
		if err != nil {
			return err
		}
		if !a.owns(current) {
			return errSuperseded
		}
		a.exec.Version = current.Version
		a.exec.Control = current.Control
	}
	return lastErr
}

func (e *Engine) complete(ctx context.Context, a *attempt, output any) error {
	payload, err := model.MarshalJSON(output)
	if err != nil {
		return e.settle(ctx, a, fmt.Errorf("encode output: %w", err))
	}
	journal, err := model.MarshalJSON(a.run.Journal)
	if err != nil {
		return e.settle(ctx, a, err)
	}

	ctx = context.WithoutCancel(ctx)
	now := e.now()
	event := lifecycleEvent(a.exec, model.ExecutionCompleted, "")
	err = e.save(ctx, a, func(x *model.WorkflowExecution) {
		x.Status = model.ExecutionCompleted
		x.Control = model.ControlNone
		x.Output = payload
		x.Journal = journal
		x.CompletedAt = &now
		x.LastError = ""
	}, event)
	if err != nil {
		if errors.Is(err, errSuperseded) {
			return e.abandon(ctx, a)
		}
		return err
	}

	metrics.ExecutionsTotal.WithLabelValues(a.reg.name, string(model.ExecutionCompleted)).Inc()
	e.logger.Info("execution completed",
		zap.String("execution_id", a.exec.ID.String()),
		zap.String("workflow", a.reg.name),
		zap.Int("attempts", a.exec.Attempts),
	)
	return nil
}

func (e *Engine) lockTTL(timeoutSeconds int) time.Duration {
	ttl := e.cfg.LockTTL
	if timeout := time.Duration(timeoutSeconds)*time.Second + lockMargin; timeoutSeconds > 0 && timeout > ttl {
		ttl = timeout
	}
	return ttl
}

func (e *Engine) policy() lock.Policy {
	return lock.Policy{Wait: e.cfg.LockWait, RetryInterval: e.cfg.LockRetryInterval}
}

// acquire takes the execution's lock key, if any, and stores the lease token
// on the execution.
func (e *Engine) acquire(ctx context.Context, a *attempt) error {
	if a.exec.LockKey == "" {
		return nil
	}
	token, err := lock.Acquire(ctx, e.locker, a.exec.LockKey, a.lockTTL, e.policy())
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			metrics.LockContentionTotal.WithLabelValues(a.reg.name).Inc()
			return fmt.Errorf("%w: %s: %w", ErrLockContention, a.exec.LockKey, err)
		}
		return fmt.Errorf("acquire lock %s: %w", a.exec.LockKey, err)
	}

	// A paused execution, or one whose runner died, keeps the key after its
	// lease lapsed.
	holder, err := e.executions.LockHolder(ctx, a.exec.LockKey, a.exec.ID)
	switch {
	case err == nil:
		e.dropLease(ctx, a.exec.LockKey, token)
		metrics.LockContentionTotal.WithLabelValues(a.reg.name).Inc()
		return fmt.Errorf("%w: %s is held by %s execution %s",
			ErrLockContention, a.exec.LockKey, holder.Status, holder.ID)
	case !errors.Is(err, store.ErrNotFound):
		e.dropLease(ctx, a.exec.LockKey, token)
		return fmt.Errorf("check holder of %s: %w", a.exec.LockKey, err)
	}

	a.exec.LockToken = token
	return nil
}

func (e *Engine) dropLease(ctx context.Context, key, token string) {
	if err := e.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
		e.logger.Warn("failed to release execution lock", zap.String("lock_key", key), zap.Error(err))
	}
}

// releaseUnlessPaused drops the lease on every way out of a run except a
// pause, which keeps the lock key reserved for the resume.
func (e *Engine) releaseUnlessPaused(ctx context.Context, exec *model.WorkflowExecution) {
	if exec.Status == model.ExecutionPaused {
		return
	}
	e.releaseLock(ctx, exec)
}

func (e *Engine) releaseLock(ctx context.Context, exec *model.WorkflowExecution) {
	if exec.LockKey == "" || exec.LockToken == "" {
		return
	}
	if err := e.locker.Release(context.WithoutCancel(ctx), exec.LockKey, exec.LockToken); err != nil {
		e.logger.Warn("failed to release execution lock",
			zap.String("execution_id", exec.ID.String()),
			zap.String("lock_key", exec.LockKey),
			zap.Error(err),
		)
	}
}

func deadline(from time.Time, timeoutSeconds int) *time.Time {
	if timeoutSeconds <= 0 {
		return nil
	}
	at := from.Add(time.Duration(timeoutSeconds) * time.Second)
	return &at
}
