// Package maintenance runs the periodic sweeps that keep executions moving
// when no caller is driving them: timing out stuck runs, retrying failed
// ones and purging old history. Every sweep is safe to run from several
// processes at once.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowforge/sagaflow/pkg/config"
	"github.com/flowforge/sagaflow/pkg/engine"
	"github.com/flowforge/sagaflow/pkg/lock"
	"github.com/flowforge/sagaflow/pkg/logging"
	"github.com/flowforge/sagaflow/pkg/metrics"
	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/store"
)

const (
	CleanupHard = "hard"
	CleanupSoft = "soft"
)

// Engine is the part of the engine the sweeps drive.
type Engine interface {
	TimeoutExecution(ctx context.Context, id uuid.UUID) (bool, error)
	RetryExecution(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error)
}

type Scheduler struct {
	engine     Engine
	executions store.ExecutionStore
	logger     *zap.Logger
	cfg        config.MaintenanceConfig
	now        func() time.Time
}

func NewScheduler(engine Engine, executions store.ExecutionStore, logger *zap.Logger, cfg config.MaintenanceConfig) *Scheduler {
	logger = logging.OrNop(logger)
	if cfg.TimeoutInterval <= 0 {
		cfg.TimeoutInterval = time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Minute
	}
	if cfg.RetryLookback <= 0 {
		cfg.RetryLookback = 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.CleanupMode == "" {
		cfg.CleanupMode = CleanupHard
	}
	return &Scheduler{
		engine:     engine,
		executions: executions,
		logger:     logger,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the three sweeps and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("maintenance scheduler starting",
		zap.Duration("timeout_interval", s.cfg.TimeoutInterval),
		zap.Duration("retry_interval", s.cfg.RetryInterval),
		zap.Duration("cleanup_interval", s.cfg.CleanupInterval),
		zap.String("cleanup_mode", s.cfg.CleanupMode),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.RunTimeoutSweep(ctx) })
	g.Go(func() error { return s.RunRetrySweep(ctx) })
	g.Go(func() error { return s.RunCleanup(ctx) })
	return g.Wait()
}

func (s *Scheduler) RunTimeoutSweep(ctx context.Context) error {
	return s.every(ctx, "timeout", s.cfg.TimeoutInterval, func(ctx context.Context) error {
		_, err := s.SweepTimeouts(ctx)
		return err
	})
}

func (s *Scheduler) RunRetrySweep(ctx context.Context) error {
	return s.every(ctx, "retry", s.cfg.RetryInterval, func(ctx context.Context) error {
		_, err := s.SweepRetries(ctx)
		return err
	})
}

func (s *Scheduler) RunCleanup(ctx context.Context) error {
	return s.every(ctx, "cleanup", s.cfg.CleanupInterval, func(ctx context.Context) error {
		_, err := s.Cleanup(ctx)
		return err
	})
}

func (s *Scheduler) every(ctx context.Context, task string, interval time.Duration, sweep func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("maintenance sweep failed", zap.String("task", task), zap.Error(err))
			}
		}
	}
}

// SweepTimeouts times out RUNNING executions whose deadline passed and
// returns how many it moved to TIMEOUT.
func (s *Scheduler) SweepTimeouts(ctx context.Context) (int, error) {
	expired, err := s.executions.ListExpired(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	timedOut := 0
	for _, exec := range expired {
		if ctx.Err() != nil {
			return timedOut, ctx.Err()
		}
		done, err := s.engine.TimeoutExecution(ctx, exec.ID)
		switch {
		case err != nil:
			s.record("timeout", "error")
			s.logger.Error("failed to time out execution",
				zap.String("execution_id", exec.ID.String()),
				zap.String("workflow", exec.WorkflowName),
				zap.Error(err),
			)
		case done:
			timedOut++
			s.record("timeout", "timed_out")
		default:
			s.record("timeout", "skipped")
		}
	}
	return timedOut, nil
}

// SweepRetries retries FAILED executions created within the lookback window
// that have attempts left, and returns how many it retried.
func (s *Scheduler) SweepRetries(ctx context.Context) (int, error) {
	retryable, err := s.executions.ListRetryable(ctx, s.now().Add(-s.cfg.RetryLookback), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, candidate := range retryable {
		if ctx.Err() != nil {
			return retried, ctx.Err()
		}
		exec, err := s.engine.RetryExecution(ctx, candidate.ID)
		fields := []zap.Field{
			zap.String("execution_id", candidate.ID.String()),
			zap.String("workflow", candidate.WorkflowName),
		}
		if exec != nil {
			fields = append(fields, zap.Int("attempts", exec.Attempts), zap.String("status", string(exec.Status)))
		}

		var execErr *engine.ExecutionError
		switch {
		case err == nil:
			retried++
			s.record("retry", "completed")
			s.logger.Info("retried execution completed", fields...)
		case errors.As(err, &execErr):
			retried++
			s.record("retry", "failed")
			s.logger.Warn("retried execution did not complete", append(fields, zap.Error(err))...)
		case errors.Is(err, engine.ErrRetryLimitExceeded),
			errors.Is(err, engine.ErrInvalidTransition),
			errors.Is(err, engine.ErrLockContention),
			errors.Is(err, lock.ErrLockHeld),
			errors.Is(err, store.ErrVersionConflict):
			s.record("retry", "skipped")
			s.logger.Debug("execution not retried", append(fields, zap.Error(err))...)
		default:
			s.record("retry", "error")
			s.logger.Error("failed to retry execution", append(fields, zap.Error(err))...)
		}
	}
	return retried, nil
}

// Cleanup removes terminal executions older than the retention window. In
// soft mode rows are kept as CLEANED_UP with their payloads cleared.
func (s *Scheduler) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.Retention())

	var total int64
	for {
		var (
			n   int64
			err error
		)
		if s.cfg.CleanupMode == CleanupSoft {
			n, err = s.softCleanup(ctx, cutoff)
		} else {
			n, err = s.executions.DeleteTerminalBefore(ctx, cutoff, s.cfg.BatchSize)
		}
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 || n < int64(s.cfg.BatchSize) {
			break
		}
	}

	if total > 0 {
		s.record("cleanup", s.cfg.CleanupMode)
		s.logger.Info("cleaned up executions",
			zap.Int64("count", total),
			zap.String("mode", s.cfg.CleanupMode),
			zap.Time("cutoff", cutoff),
		)
	}
	return total, nil
}

func (s *Scheduler) softCleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	executions, err := s.executions.ListTerminalBefore(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var cleaned int64
	for i := range executions {
		exec := &executions[i]
		if !exec.Status.CanTransition(model.ExecutionCleanedUp) {
			continue
		}
		exec.Status = model.ExecutionCleanedUp
		exec.Input = nil
		exec.Output = nil
		exec.Journal = nil
		if err := s.executions.Update(ctx, exec); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return cleaned, err
		}
		cleaned++
	}
	return cleaned, nil
}

func (s *Scheduler) record(task, result string) {
	metrics.MaintenanceItemsTotal.WithLabelValues(task, result).Inc()
}
