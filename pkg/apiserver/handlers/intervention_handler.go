package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/store"
)

type InterventionHandler struct {
	interventions store.InterventionStore
	logger        *zap.Logger
}

func NewInterventionHandler(interventions store.InterventionStore, logger *zap.Logger) *InterventionHandler {
	return &InterventionHandler{interventions: interventions, logger: logger}
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required,max=2000"`
}

type interventionResponse struct {
	ID         string  `json:"id"`
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	Workflow   string  `json:"workflow,omitempty"`
	Step       string  `json:"step,omitempty"`
	Severity   string  `json:"severity"`
	Reason     string  `json:"reason"`
	Status     string  `json:"status"`
	Resolution string  `json:"resolution,omitempty"`
	CreatedAt  string  `json:"created_at"`
	ResolvedAt *string `json:"resolved_at,omitempty"`
}

func (h *InterventionHandler) ListOpen(c *gin.Context) {
	interventions, err := h.interventions.ListOpen(c.Request.Context(),
		parseLimit(c.Query("limit"), 50), parseOffset(c.Query("offset")))
	if err != nil {
		writeError(c, h.logger, "failed to list interventions", err)
		return
	}

	response := make([]interventionResponse, 0, len(interventions))
	for i := range interventions {
		response = append(response, mapIntervention(&interventions[i]))
	}
	c.JSON(http.StatusOK, gin.H{"interventions": response})
}

func (h *InterventionHandler) Resolve(c *gin.Context) {
	id, ok := parseID(c, "intervention")
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	if err := h.interventions.Resolve(c.Request.Context(), id, req.Resolution); err != nil {
		writeError(c, h.logger, "failed to resolve intervention", err)
		return
	}
	h.logger.Info("intervention resolved", zap.String("intervention_id", id.String()))
	c.Status(http.StatusNoContent)
}

func mapIntervention(intervention *model.Intervention) interventionResponse {
	return interventionResponse{
		ID:         intervention.ID.String(),
		EntityType: intervention.EntityType,
		EntityID:   intervention.EntityID,
		Workflow:   intervention.WorkflowName,
		Step:       intervention.Step,
		Severity:   string(intervention.Severity),
		Reason:     intervention.Reason,
		Status:     string(intervention.Status),
		Resolution: intervention.Resolution,
		CreatedAt:  intervention.CreatedAt.UTC().Format(timeRFC3339Nano),
		ResolvedAt: formatTime(intervention.ResolvedAt),
	}
}
