package checkout

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowforge/sagaflow/pkg/engine"
	"github.com/flowforge/sagaflow/pkg/logging"
)

// Handler exposes cart completion over HTTP.
type Handler struct {
	workflow *Workflow
	engine   *engine.Engine
	logger   *zap.Logger
}

func NewHandler(workflow *Workflow, e *engine.Engine, logger *zap.Logger) *Handler {
	logger = logging.OrNop(logger)
	return &Handler{workflow: workflow, engine: e, logger: logger}
}

type completeRequest struct {
	CustomerID  string `json:"customer_id" binding:"required"`
	Items       []Item `json:"items" binding:"required,min=1,dive"`
	AmountCents int64  `json:"amount_cents" binding:"gt=0"`
	Currency    string `json:"currency" binding:"required,len=3"`
}

// Routes mounts the cart endpoints on group.
func (h *Handler) Routes(group *gin.RouterGroup, middleware ...gin.HandlerFunc) {
	handlers := append(append([]gin.HandlerFunc{}, middleware...), h.Complete)
	group.POST("/carts/:id/complete", handlers...)
}

func (h *Handler) Complete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	cart := Cart{
		CartID:      c.Param("id"),
		CustomerID:  req.CustomerID,
		Items:       req.Items,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	}

	result, err := h.workflow.Complete(context.WithoutCancel(c.Request.Context()), h.engine, cart, engine.Options{})
	var execErr *engine.ExecutionError
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{
			"execution_id": result.ExecutionID,
			"status":       result.Status,
			"receipt":      result.Output,
		})
	case errors.Is(err, ErrInvalidCart):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cart", "details": err.Error()})
	case errors.Is(err, engine.ErrLockContention):
		c.JSON(http.StatusConflict, gin.H{"error": "cart completion already in progress"})
	case errors.As(err, &execErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"execution_id": result.ExecutionID,
			"status":       execErr.Status,
			"error":        "cart was not completed",
			"details":      execErr.Error(),
		})
	default:
		h.logger.Error("failed to complete cart", zap.String("cart_id", cart.CartID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to complete cart"})
	}
}
