package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/sagaflow/pkg/model"
)

// FailedEvents is the part of the outbox store operators work with.
type FailedEvents interface {
	ListFailed(ctx context.Context, limit, offset int) ([]model.OutboxEvent, error)
	CountFailed(ctx context.Context) (int64, error)
	Requeue(ctx context.Context, id uuid.UUID) error
}

type OutboxHandler struct {
	events FailedEvents
	logger *zap.Logger
}

func NewOutboxHandler(events FailedEvents, logger *zap.Logger) *OutboxHandler {
	return &OutboxHandler{events: events, logger: logger}
}

type outboxEventResponse struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

func (h *OutboxHandler) ListFailed(c *gin.Context) {
	ctx := c.Request.Context()
	events, err := h.events.ListFailed(ctx, parseLimit(c.Query("limit"), 50), parseOffset(c.Query("offset")))
	if err != nil {
		writeError(c, h.logger, "failed to list outbox events", err)
		return
	}
	total, err := h.events.CountFailed(ctx)
	if err != nil {
		writeError(c, h.logger, "failed to count outbox events", err)
		return
	}

	response := make([]outboxEventResponse, 0, len(events))
	for i := range events {
		event := &events[i]
		response = append(response, outboxEventResponse{
			ID:            event.ID.String(),
			AggregateType: event.AggregateType,
			AggregateID:   event.AggregateID,
			EventType:     event.EventType,
			Payload:       json.RawMessage(event.Payload),
			CorrelationID: event.CorrelationID,
			Status:        string(event.Status),
			Attempts:      event.Attempts,
			LastError:     event.LastError,
			CreatedAt:     event.CreatedAt.UTC().Format(timeRFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"events": response,
		"total":  total,
	})
}

func (h *OutboxHandler) Requeue(c *gin.Context) {
	id, ok := parseID(c, "event")
	if !ok {
		return
	}
	if err := h.events.Requeue(c.Request.Context(), id); err != nil {
		writeError(c, h.logger, "failed to requeue outbox event", err)
		return
	}
	h.logger.Info("outbox event requeued", zap.String("event_id", id.String()))
	c.Status(http.StatusNoContent)
}
