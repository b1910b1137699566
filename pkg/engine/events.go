package engine

import (
	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/outbox"
)

const (
	EventCompleted = "workflow.completed"
	EventFailed    = "workflow.failed"
	EventTimedOut  = "workflow.timed_out"
	EventCancelled = "workflow.cancelled"
)

// LifecycleEvent is the payload of the outbox events emitted when an
// execution reaches a terminal status.
type LifecycleEvent struct {
	ExecutionID   string                `json:"execution_id" validate:"required"`
	Workflow      string                `json:"workflow" validate:"required"`
	Status        model.ExecutionStatus `json:"status" validate:"required"`
	Attempts      int                   `json:"attempts"`
	Error         string                `json:"error,omitempty"`
	CorrelationID string                `json:"correlation_id,omitempty"`
}

// RegisterEvents makes the publisher decode lifecycle events into LifecycleEvent.
func RegisterEvents(registry *outbox.Registry) {
	for _, eventType := range []string{EventCompleted, EventFailed, EventTimedOut, EventCancelled} {
		outbox.RegisterType[LifecycleEvent](registry, eventType)
	}
}

func lifecycleEvent(exec *model.WorkflowExecution, status model.ExecutionStatus, lastError string) outbox.Event {
	return outbox.Event{
		AggregateType: entityExecution,
		AggregateID:   exec.ID.String(),
		EventType:     lifecycleEventType(status),
		Payload: LifecycleEvent{
			ExecutionID:   exec.ID.String(),
			Workflow:      exec.WorkflowName,
			Status:        status,
			Attempts:      exec.Attempts,
			Error:         lastError,
			CorrelationID: exec.CorrelationID,
		},
	}
}

func lifecycleEventType(status model.ExecutionStatus) string {
	switch status {
	case model.ExecutionCompleted:
		return EventCompleted
	case model.ExecutionTimeout:
		return EventTimedOut
	case model.ExecutionCancelled:
		return EventCancelled
	default:
		return EventFailed
	}
}
