package model

import (
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

type OutboxEvent struct {
	ID            uuid.UUID    `gorm:"type:char(36);primaryKey"`
	AggregateType string       `gorm:"type:varchar(128);not null"`
	AggregateID   string       `gorm:"type:varchar(128);not null;index"`
	EventType     string       `gorm:"type:varchar(128);not null"`
	Payload       JSON         `gorm:"not null"`
	CorrelationID string       `gorm:"type:varchar(128)"`
	Status        OutboxStatus `gorm:"type:varchar(16);not null;default:'PENDING';index:idx_outbox_status_created,priority:1"`
	Attempts      int          `gorm:"not null;default:0"`
	LastError     string       `gorm:"type:text"`
	CreatedAt     time.Time    `gorm:"not null;index:idx_outbox_status_created,priority:2"`
	PublishedAt   *time.Time
}

func (OutboxEvent) TableName() string {
	return "outbox_events"
}
