package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/store"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Insert(ctx context.Context, event *model.OutboxEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = model.OutboxPending
	}
	return conn(ctx, r.db).Create(event).Error
}

func (r *OutboxRepository) Notify(ctx context.Context, channel, payload string) error {
	db := conn(ctx, r.db)
	if channel == "" || db.Dialector.Name() != "postgres" {
		return nil
	}
	return db.Exec("SELECT pg_notify(?, ?)", channel, payload).Error
}

func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var events []model.OutboxEvent
	err := conn(ctx, r.db).
		Where("status = ?", model.OutboxPending).
		Order("created_at ASC").
		Limit(normalizeLimit(limit)).
		Find(&events).Error
	return events, err
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	updates := map[string]interface{}{
		"status":       model.OutboxPublished,
		"published_at": publishedAt.UTC(),
		"last_error":   "",
	}
	result := conn(ctx, r.db).
		Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, model.OutboxPending).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("outbox event %s is no longer pending: %w", id, store.ErrVersionConflict)
	}
	return nil
}

func (r *OutboxRepository) RecordFailure(ctx context.Context, event *model.OutboxEvent, cause string, maxAttempts int) (model.OutboxStatus, error) {
	attempts := event.Attempts + 1
	status := model.OutboxPending
	if maxAttempts > 0 && attempts >= maxAttempts {
		status = model.OutboxFailed
	}

	result := conn(ctx, r.db).
		Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ? AND attempts = ?", event.ID, model.OutboxPending, event.Attempts).
		Updates(map[string]interface{}{
			"status":     status,
			"attempts":   attempts,
			"last_error": cause,
		})
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected == 0 {
		return "", fmt.Errorf("outbox event %s changed concurrently: %w", event.ID, store.ErrVersionConflict)
	}

	event.Attempts = attempts
	event.Status = status
	event.LastError = cause
	return status, nil
}

func (r *OutboxRepository) CountFailed(ctx context.Context) (int64, error) {
	var count int64
	err := conn(ctx, r.db).Model(&model.OutboxEvent{}).
		Where("status = ?", model.OutboxFailed).
		Count(&count).Error
	return count, err
}

func (r *OutboxRepository) ListFailed(ctx context.Context, limit, offset int) ([]model.OutboxEvent, error) {
	var events []model.OutboxEvent
	err := conn(ctx, r.db).
		Where("status = ?", model.OutboxFailed).
		Order("created_at ASC").
		Limit(normalizeLimit(limit)).
		Offset(offset).
		Find(&events).Error
	return events, err
}

func (r *OutboxRepository) DeletePublishedBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	var ids []uuid.UUID
	err := conn(ctx, r.db).Model(&model.OutboxEvent{}).
		Where("status = ? AND published_at < ?", model.OutboxPublished, before.UTC()).
		Order("published_at ASC").
		Limit(normalizeLimit(limit)).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := conn(ctx, r.db).
		Where("id IN ? AND status = ?", ids, model.OutboxPublished).
		Delete(&model.OutboxEvent{})
	return result.RowsAffected, result.Error
}

func (r *OutboxRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	result := conn(ctx, r.db).
		Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, model.OutboxFailed).
		Updates(map[string]interface{}{
			"status":   model.OutboxPending,
			"attempts": 0,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("failed outbox event %s: %w", id, store.ErrNotFound)
	}
	return nil
}
