package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/store"
)

type ExecutionRepository struct {
	db *gorm.DB
}

func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) Create(ctx context.Context, exec *model.WorkflowExecution) error {
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	if exec.Version == 0 {
		exec.Version = 1
	}
	return conn(ctx, r.db).Create(exec).Error
}

func (r *ExecutionRepository) Get(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error) {
	var exec model.WorkflowExecution
	err := conn(ctx, r.db).First(&exec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("execution %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (r *ExecutionRepository) Update(ctx context.Context, exec *model.WorkflowExecution) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":          exec.Status,
		"control":         exec.Control,
		"input":           exec.Input,
		"output":          exec.Output,
		"journal":         exec.Journal,
		"lock_token":      exec.LockToken,
		"attempts":        exec.Attempts,
		"max_retries":     exec.MaxRetries,
		"timeout_seconds": exec.TimeoutSeconds,
		"started_at":      exec.StartedAt,
		"deadline_at":     exec.DeadlineAt,
		"completed_at":    exec.CompletedAt,
		"last_error":      exec.LastError,
		"version":         exec.Version + 1,
		"updated_at":      now,
	}

	result := conn(ctx, r.db).Model(&model.WorkflowExecution{}).
		Where("id = ? AND version = ?", exec.ID, exec.Version).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := conn(ctx, r.db).Model(&model.WorkflowExecution{}).Where("id = ?", exec.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("execution %s: %w", exec.ID, store.ErrNotFound)
		}
		return fmt.Errorf("execution %s at version %d: %w", exec.ID, exec.Version, store.ErrVersionConflict)
	}

	exec.Version++
	exec.UpdatedAt = now
	return nil
}

func (r *ExecutionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.WorkflowExecution, error) {
	var executions []model.WorkflowExecution
	err := conn(ctx, r.db).
		Where("status = ? AND deadline_at IS NOT NULL AND deadline_at < ?", model.ExecutionRunning, now).
		Order("deadline_at ASC").
		Limit(normalizeLimit(limit)).
		Find(&executions).Error
	return executions, err
}

func (r *ExecutionRepository) ListRetryable(ctx context.Context, since time.Time, limit int) ([]model.WorkflowExecution, error) {
	var executions []model.WorkflowExecution
	err := conn(ctx, r.db).
		Where("status = ? AND attempts < max_retries AND created_at >= ?", model.ExecutionFailed, since).
		Order("created_at ASC").
		Limit(normalizeLimit(limit)).
		Find(&executions).Error
	return executions, err
}

func (r *ExecutionRepository) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]model.WorkflowExecution, error) {
	var executions []model.WorkflowExecution
	err := conn(ctx, r.db).
		Where("status IN ? AND status <> ? AND completed_at IS NOT NULL AND completed_at < ?",
			model.TerminalStatuses, model.ExecutionCleanedUp, before).
		Order("completed_at ASC").
		Limit(normalizeLimit(limit)).
		Find(&executions).Error
	return executions, err
}

func (r *ExecutionRepository) DeleteTerminalBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	var ids []uuid.UUID
	err := conn(ctx, r.db).Model(&model.WorkflowExecution{}).
		Where("status IN ? AND completed_at IS NOT NULL AND completed_at < ?", model.TerminalStatuses, before).
		Order("completed_at ASC").
		Limit(normalizeLimit(limit)).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := conn(ctx, r.db).
		Where("id IN ? AND status IN ?", ids, model.TerminalStatuses).
		Delete(&model.WorkflowExecution{})
	return result.RowsAffected, result.Error
}

func (r *ExecutionRepository) LockHolder(ctx context.Context, lockKey string, exclude uuid.UUID) (*model.WorkflowExecution, error) {
	var exec model.WorkflowExecution
	err := conn(ctx, r.db).
		Where("lock_key = ? AND id <> ? AND status IN ?", lockKey, exclude,
			[]model.ExecutionStatus{model.ExecutionRunning, model.ExecutionPaused}).
		Order("created_at ASC").
		First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("holder of %s: %w", lockKey, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (r *ExecutionRepository) List(ctx context.Context, filter store.ExecutionFilter) ([]model.WorkflowExecution, int64, error) {
	var executions []model.WorkflowExecution
	var total int64

	query := conn(ctx, r.db).Model(&model.WorkflowExecution{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.WorkflowName != "" {
		query = query.Where("workflow_name = ?", filter.WorkflowName)
	}
	if filter.CorrelationID != "" {
		query = query.Where("correlation_id = ?", filter.CorrelationID)
	}
	if filter.LockKey != "" {
		query = query.Where("lock_key = ?", filter.LockKey)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Limit(normalizeLimit(filter.Limit)).
		Offset(filter.Offset).
		Find(&executions).Error

	return executions, total, err
}

func (r *ExecutionRepository) CountByStatus(ctx context.Context) (map[model.ExecutionStatus]int64, error) {
	var rows []struct {
		Status model.ExecutionStatus
		Count  int64
	}
	err := conn(ctx, r.db).Model(&model.WorkflowExecution{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.ExecutionStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
