package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/sagaflow/pkg/engine"
	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/saga"
	"github.com/flowforge/sagaflow/pkg/store"
)

// Engine is the part of the workflow engine the admin API drives.
type Engine interface {
	GetExecution(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error)
	ExecuteJSON(ctx context.Context, name string, input json.RawMessage, opts engine.Options) (*model.WorkflowExecution, error)
	RetryExecution(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error)
	CancelExecution(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error)
	PauseExecution(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error)
	ResumeExecution(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error)
	Workflows() []string
}

type ExecutionLister interface {
	List(ctx context.Context, filter store.ExecutionFilter) ([]model.WorkflowExecution, int64, error)
}

type ExecutionHandler struct {
	engine     Engine
	executions ExecutionLister
	logger     *zap.Logger
}

func NewExecutionHandler(engine Engine, executions ExecutionLister, logger *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{engine: engine, executions: executions, logger: logger}
}

type startRequest struct {
	Input          json.RawMessage `json:"input" binding:"required"`
	CorrelationID  string          `json:"correlation_id"`
	LockKey        string          `json:"lock_key"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	MaxRetries     int             `json:"max_retries"`
}

type executionResponse struct {
	ID             string          `json:"id"`
	Workflow       string          `json:"workflow"`
	Status         string          `json:"status"`
	Control        string          `json:"control,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	LockKey        string          `json:"lock_key,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxRetries     int             `json:"max_retries"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      string          `json:"created_at"`
	StartedAt      *string         `json:"started_at,omitempty"`
	DeadlineAt     *string         `json:"deadline_at,omitempty"`
	CompletedAt    *string         `json:"completed_at,omitempty"`
	Version        int64           `json:"version"`
	Output         json.RawMessage `json:"output,omitempty"`
}

type executionDetailResponse struct {
	executionResponse
	Input   json.RawMessage `json:"input,omitempty"`
	Steps   []stepResponse  `json:"steps"`
	Outcome string          `json:"outcome,omitempty"`
}

type stepResponse struct {
	Name          string  `json:"name"`
	CompletedAt   string  `json:"completed_at"`
	CompensatedAt *string `json:"compensated_at,omitempty"`
}

func (h *ExecutionHandler) Workflows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workflows": h.engine.Workflows()})
}

func (h *ExecutionHandler) Start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	opts := engine.Options{
		CorrelationID:  req.CorrelationID,
		LockKey:        req.LockKey,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries:     req.MaxRetries,
	}
	exec, err := h.engine.ExecuteJSON(detached(c), c.Param("name"), req.Input, opts)
	h.respond(c, http.StatusCreated, "failed to start execution", exec, err)
}

func (h *ExecutionHandler) List(c *gin.Context) {
	filter := store.ExecutionFilter{
		WorkflowName:  strings.TrimSpace(c.Query("workflow")),
		CorrelationID: strings.TrimSpace(c.Query("correlation_id")),
		LockKey:       strings.TrimSpace(c.Query("lock_key")),
		Limit:         parseLimit(c.Query("limit"), 20),
		Offset:        parseOffset(c.Query("offset")),
	}
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		filter.Status = model.ExecutionStatus(strings.ToUpper(status))
		if !filter.Status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
	}

	executions, total, err := h.executions.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, h.logger, "failed to list executions", err)
		return
	}

	response := make([]executionResponse, 0, len(executions))
	for i := range executions {
		response = append(response, mapExecution(&executions[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"executions": response,
		"total":      total,
	})
}

func (h *ExecutionHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "execution")
	if !ok {
		return
	}
	exec, err := h.engine.GetExecution(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, "failed to get execution", err)
		return
	}

	detail := executionDetailResponse{
		executionResponse: mapExecution(exec),
		Input:             json.RawMessage(exec.Input),
		Steps:             []stepResponse{},
	}
	journal, err := saga.DecodeJournal(exec.Journal)
	if err != nil {
		h.logger.Warn("execution journal is unreadable", zap.String("execution_id", exec.ID.String()), zap.Error(err))
	} else {
		detail.Steps = mapSteps(journal)
	}
	c.JSON(http.StatusOK, detail)
}

func (h *ExecutionHandler) Retry(c *gin.Context) {
	h.transition(c, "failed to retry execution", func(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error) {
		return h.engine.RetryExecution(detached(c), id)
	})
}

func (h *ExecutionHandler) Cancel(c *gin.Context) {
	h.transition(c, "failed to cancel execution", h.engine.CancelExecution)
}

func (h *ExecutionHandler) Pause(c *gin.Context) {
	h.transition(c, "failed to pause execution", h.engine.PauseExecution)
}

func (h *ExecutionHandler) Resume(c *gin.Context) {
	h.transition(c, "failed to resume execution", func(ctx context.Context, id uuid.UUID) (*model.WorkflowExecution, error) {
		return h.engine.ResumeExecution(detached(c), id)
	})
}

func (h *ExecutionHandler) transition(c *gin.Context, message string, op func(context.Context, uuid.UUID) (*model.WorkflowExecution, error)) {
	id, ok := parseID(c, "execution")
	if !ok {
		return
	}
	exec, err := op(c.Request.Context(), id)
	h.respond(c, http.StatusOK, message, exec, err)
}

// respond reports an execution that ran to a non-successful end as a normal
// response carrying the outcome, since the request itself succeeded.
func (h *ExecutionHandler) respond(c *gin.Context, status int, message string, exec *model.WorkflowExecution, err error) {
	var execErr *engine.ExecutionError
	switch {
	case err == nil:
		c.JSON(status, mapExecution(exec))
	case exec != nil && errors.As(err, &execErr):
		c.JSON(status, executionDetailResponse{
			executionResponse: mapExecution(exec),
			Steps:             []stepResponse{},
			Outcome:           err.Error(),
		})
	default:
		writeError(c, h.logger, message, err)
	}
}

// detached keeps an execution running when the client disconnects.
func detached(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func mapExecution(exec *model.WorkflowExecution) executionResponse {
	return executionResponse{
		ID:             exec.ID.String(),
		Workflow:       exec.WorkflowName,
		Status:         string(exec.Status),
		Control:        string(exec.Control),
		CorrelationID:  exec.CorrelationID,
		LockKey:        exec.LockKey,
		Attempts:       exec.Attempts,
		MaxRetries:     exec.MaxRetries,
		TimeoutSeconds: exec.TimeoutSeconds,
		LastError:      exec.LastError,
		CreatedAt:      exec.CreatedAt.UTC().Format(timeRFC3339Nano),
		StartedAt:      formatTime(exec.StartedAt),
		DeadlineAt:     formatTime(exec.DeadlineAt),
		CompletedAt:    formatTime(exec.CompletedAt),
		Version:        exec.Version,
		Output:         json.RawMessage(exec.Output),
	}
}

func mapSteps(journal *saga.Journal) []stepResponse {
	compensated := make(map[string]string)
	for _, comp := range journal.Compensations() {
		compensated[comp.Step] = comp.CompensatedAt.UTC().Format(timeRFC3339Nano)
	}

	entries := journal.Entries()
	steps := make([]stepResponse, 0, len(entries))
	for _, entry := range entries {
		step := stepResponse{
			Name:        entry.Step,
			CompletedAt: entry.CompletedAt.UTC().Format(timeRFC3339Nano),
		}
		if at, ok := compensated[entry.Step]; ok {
			step.CompensatedAt = &at
		}
		steps = append(steps, step)
	}
	return steps
}
