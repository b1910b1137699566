package model

import (
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionTimeout   ExecutionStatus = "TIMEOUT"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
	ExecutionPaused    ExecutionStatus = "PAUSED"
	ExecutionCleanedUp ExecutionStatus = "CLEANED_UP"
)

// ExecutionControl is the cooperative instruction a runner picks up between
// steps. ControlCompensating marks a row whose compensation has been claimed.
type ExecutionControl string

const (
	ControlNone         ExecutionControl = ""
	ControlCancel       ExecutionControl = "cancel"
	ControlPause        ExecutionControl = "pause"
	ControlCompensating ExecutionControl = "compensating"
)

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending:   {ExecutionRunning, ExecutionCancelled},
	ExecutionRunning:   {ExecutionCompleted, ExecutionFailed, ExecutionTimeout, ExecutionPaused, ExecutionCancelled},
	ExecutionPaused:    {ExecutionRunning, ExecutionCancelled},
	ExecutionFailed:    {ExecutionRunning, ExecutionCleanedUp},
	ExecutionTimeout:   {ExecutionCleanedUp},
	ExecutionCompleted: {ExecutionCleanedUp},
	ExecutionCancelled: {ExecutionCleanedUp},
}

// TerminalStatuses are the statuses retention cleanup may remove.
var TerminalStatuses = []ExecutionStatus{
	ExecutionCompleted,
	ExecutionFailed,
	ExecutionTimeout,
	ExecutionCancelled,
	ExecutionCleanedUp,
}

func (s ExecutionStatus) CanTransition(to ExecutionStatus) bool {
	for _, next := range executionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Final reports whether no execution in this status may run again.
func (s ExecutionStatus) Final() bool {
	return s == ExecutionCompleted || s == ExecutionCancelled || s == ExecutionCleanedUp
}

func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed,
		ExecutionTimeout, ExecutionCancelled, ExecutionPaused, ExecutionCleanedUp:
		return true
	}
	return false
}

type WorkflowExecution struct {
	ID             uuid.UUID        `gorm:"type:char(36);primaryKey"`
	WorkflowName   string           `gorm:"type:varchar(128);not null;index"`
	Status         ExecutionStatus  `gorm:"type:varchar(32);not null;index"`
	Control        ExecutionControl `gorm:"type:varchar(32);not null;default:''"`
	Input          JSON
	Output         JSON
	Journal        JSON
	CorrelationID  string           `gorm:"type:varchar(128);index"`
	LockKey        string           `gorm:"type:varchar(255);index"`
	LockToken      string           `gorm:"type:varchar(64)"`
	Attempts       int              `gorm:"not null;default:0"`
	MaxRetries     int              `gorm:"not null;default:0"`
	TimeoutSeconds int              `gorm:"not null;default:0"`
	StartedAt      *time.Time       `gorm:"index"`
	DeadlineAt     *time.Time       `gorm:"index"`
	CompletedAt    *time.Time       `gorm:"index"`
	LastError      string           `gorm:"type:text"`
	Version        int64            `gorm:"not null;default:1"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (WorkflowExecution) TableName() string {
	return "workflow_executions"
}

func (e *WorkflowExecution) Expired(now time.Time) bool {
	return e.DeadlineAt != nil && !now.Before(*e.DeadlineAt)
}

func (e *WorkflowExecution) Retryable() bool {
	return e.Status == ExecutionFailed && e.Attempts < e.MaxRetries
}
