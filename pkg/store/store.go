package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/sagaflow/pkg/model"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("version conflict")
)

// Transactor runs work inside a single local transaction carried by the context.
type Transactor interface {
	// Transaction runs fn in a transaction. A context that already carries a
	// transaction is reused, so nested calls join the outer transaction.
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	// InTransaction reports whether ctx carries an open transaction.
	InTransaction(ctx context.Context) bool
}

type ExecutionFilter struct {
	Status        model.ExecutionStatus
	WorkflowName  string
	CorrelationID string
	LockKey       string
	Limit         int
	Offset        int
}

// ExecutionStore persists workflow executions under optimistic concurrency.
type ExecutionStore interface {
	Create(ctx context.Context, exec *model.WorkflowExecution) error

	// Get returns ErrNotFound when no execution has the id.
	Get(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error)

	// Update writes every mutable column of exec provided the stored version
	// still equals exec.Version, then bumps exec.Version. A stale version
	// yields ErrVersionConflict and nothing is written.
	Update(ctx context.Context, exec *model.WorkflowExecution) error

	// ListExpired returns RUNNING executions whose deadline is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]model.WorkflowExecution, error)

	// ListRetryable returns FAILED executions started after since that still
	// have retry budget left.
	ListRetryable(ctx context.Context, since time.Time, limit int) ([]model.WorkflowExecution, error)

	// ListTerminalBefore returns terminal executions completed before the
	// cutoff that have not been cleaned up yet.
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]model.WorkflowExecution, error)

	// DeleteTerminalBefore hard-deletes up to limit terminal executions
	// completed before the cutoff.
	DeleteTerminalBefore(ctx context.Context, before time.Time, limit int) (int64, error)

	// LockHolder returns the RUNNING or PAUSED execution other than exclude
	// that owns lockKey, or ErrNotFound when the key is free.
	LockHolder(ctx context.Context, lockKey string, exclude uuid.UUID) (*model.WorkflowExecution, error)

	List(ctx context.Context, filter ExecutionFilter) ([]model.WorkflowExecution, int64, error)

	CountByStatus(ctx context.Context) (map[model.ExecutionStatus]int64, error)
}

// OutboxStore persists outbox events.
type OutboxStore interface {
	// Insert writes a PENDING event using the transaction carried by ctx.
	Insert(ctx context.Context, event *model.OutboxEvent) error

	// Notify signals listeners on channel after commit. Dialects without
	// notifications treat it as a no-op.
	Notify(ctx context.Context, channel, payload string) error

	// ListPending returns up to limit PENDING events, oldest first.
	ListPending(ctx context.Context, limit int) ([]model.OutboxEvent, error)

	// MarkPublished moves a PENDING event to PUBLISHED. ErrVersionConflict
	// means the event was no longer PENDING.
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error

	// RecordFailure stores a failed publish attempt for an event read with
	// the given attempts count. The event becomes FAILED once the new count
	// reaches maxAttempts; the returned status is the one written.
	RecordFailure(ctx context.Context, event *model.OutboxEvent, cause string, maxAttempts int) (model.OutboxStatus, error)

	CountFailed(ctx context.Context) (int64, error)

	ListFailed(ctx context.Context, limit, offset int) ([]model.OutboxEvent, error)

	// DeletePublishedBefore removes up to limit PUBLISHED events older than the cutoff.
	DeletePublishedBefore(ctx context.Context, before time.Time, limit int) (int64, error)

	// Requeue resets a FAILED event to PENDING with zero attempts.
	Requeue(ctx context.Context, id uuid.UUID) error
}

// InterventionStore persists manual intervention records.
type InterventionStore interface {
	Create(ctx context.Context, intervention *model.Intervention) error
	ListOpen(ctx context.Context, limit, offset int) ([]model.Intervention, error)
	Resolve(ctx context.Context, id uuid.UUID, resolution string) error
}
