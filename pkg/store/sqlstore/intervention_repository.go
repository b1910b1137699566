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

type InterventionRepository struct {
	db *gorm.DB
}

func NewInterventionRepository(db *gorm.DB) *InterventionRepository {
	return &InterventionRepository{db: db}
}

func (r *InterventionRepository) Create(ctx context.Context, intervention *model.Intervention) error {
	if intervention.ID == uuid.Nil {
		intervention.ID = uuid.New()
	}
	if intervention.Status == "" {
		intervention.Status = model.InterventionOpen
	}
	return conn(ctx, r.db).Create(intervention).Error
}

func (r *InterventionRepository) ListOpen(ctx context.Context, limit, offset int) ([]model.Intervention, error) {
	var interventions []model.Intervention
	err := conn(ctx, r.db).
		Where("status = ?", model.InterventionOpen).
		Order("created_at ASC").
		Limit(normalizeLimit(limit)).
		Offset(offset).
		Find(&interventions).Error
	return interventions, err
}

func (r *InterventionRepository) Resolve(ctx context.Context, id uuid.UUID, resolution string) error {
	now := time.Now().UTC()
	result := conn(ctx, r.db).
		Model(&model.Intervention{}).
		Where("id = ? AND status = ?", id, model.InterventionOpen).
		Updates(map[string]interface{}{
			"status":      model.InterventionResolved,
			"resolution":  resolution,
			"resolved_at": &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("open intervention %s: %w", id, store.ErrNotFound)
	}
	return nil
}
