package model

import (
	"time"

	"github.com/google/uuid"
)

type InterventionSeverity string

const (
	SeverityWarning  InterventionSeverity = "warning"
	SeverityCritical InterventionSeverity = "critical"
)

type InterventionStatus string

const (
	InterventionOpen     InterventionStatus = "OPEN"
	InterventionResolved InterventionStatus = "RESOLVED"
)

// Intervention is a durable record of something an operator has to fix by
// hand, typically a compensation that could not be completed.
type Intervention struct {
	ID           uuid.UUID            `gorm:"type:char(36);primaryKey"`
	EntityType   string               `gorm:"type:varchar(64);not null"`
	EntityID     string               `gorm:"type:varchar(128);not null;index"`
	WorkflowName string               `gorm:"type:varchar(128)"`
	Step         string               `gorm:"type:varchar(128)"`
	Severity     InterventionSeverity `gorm:"type:varchar(16);not null"`
	Reason       string               `gorm:"type:text;not null"`
	Status       InterventionStatus   `gorm:"type:varchar(16);not null;default:'OPEN';index"`
	Resolution   string               `gorm:"type:text"`
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

func (Intervention) TableName() string {
	return "manual_interventions"
}
