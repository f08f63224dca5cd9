package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	repos "github.com/yungbote/archivebridge-backend/internal/data/repos/workflow"
	"github.com/yungbote/archivebridge-backend/internal/http/response"
	"github.com/yungbote/archivebridge-backend/internal/platform/dbctx"
	"github.com/yungbote/archivebridge-backend/internal/workflow"
)

// WorkflowHandler exposes step inspection and the lifecycle operators.
// Operators dispatch fire-and-forget; callers watch progress through
// the derived fields or the event bus.
type WorkflowHandler struct {
	engine *workflow.Engine
	steps  repos.StepRepo
	tasks  repos.TaskRepo
}

func NewWorkflowHandler(engine *workflow.Engine, steps repos.StepRepo, tasks repos.TaskRepo) *WorkflowHandler {
	return &WorkflowHandler{engine: engine, steps: steps, tasks: tasks}
}

// GET /api/steps/:id
func (h *WorkflowHandler) GetStep(c *gin.Context) {
	stepID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_step_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	step, err := h.steps.GetByID(dbc, stepID)
	if err != nil || step == nil {
		response.RespondError(c, http.StatusNotFound, "step_not_found", fmt.Errorf("step %s not found", stepID))
		return
	}

	status, err := h.engine.StepStatus(dbc, step)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "aggregate_failed", err)
		return
	}
	progress, err := h.engine.StepProgress(dbc, step)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "aggregate_failed", err)
		return
	}
	undone, err := h.engine.StepUndone(dbc, step)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "aggregate_failed", err)
		return
	}
	timeStarted, err := h.engine.StepTimeStarted(dbc, step)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "aggregate_failed", err)
		return
	}
	timeDone, err := h.engine.StepTimeDone(dbc, step)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "aggregate_failed", err)
		return
	}

	response.RespondOK(c, gin.H{
		"step":         step,
		"status":       status,
		"progress":     progress,
		"undone":       undone,
		"time_started": timeStarted,
		"time_done":    timeDone,
	})
}

// GET /api/tasks/:id
func (h *WorkflowHandler) GetTask(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	task, err := h.tasks.GetByID(dbc, taskID)
	if err != nil || task == nil {
		response.RespondError(c, http.StatusNotFound, "task_not_found", fmt.Errorf("task %s not found", taskID))
		return
	}
	status, err := h.engine.TaskStatus(dbc, task)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "aggregate_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"task": task, "status": status})
}

// POST /api/steps/:id/run
func (h *WorkflowHandler) RunStep(c *gin.Context) {
	h.operate(c, "run")
}

// POST /api/steps/:id/undo
func (h *WorkflowHandler) UndoStep(c *gin.Context) {
	h.operate(c, "undo")
}

// POST /api/steps/:id/retry
func (h *WorkflowHandler) RetryStep(c *gin.Context) {
	h.operate(c, "retry")
}

// POST /api/steps/:id/resume
func (h *WorkflowHandler) ResumeStep(c *gin.Context) {
	h.operate(c, "resume")
}

func (h *WorkflowHandler) operate(c *gin.Context, op string) {
	stepID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_step_id", err)
		return
	}
	ctx := c.Request.Context()
	dbc := dbctx.Context{Ctx: ctx}
	step, err := h.steps.GetByID(dbc, stepID)
	if err != nil || step == nil {
		response.RespondError(c, http.StatusNotFound, "step_not_found", fmt.Errorf("step %s not found", stepID))
		return
	}

	switch op {
	case "run":
		_, err = h.engine.Run(ctx, step)
	case "undo":
		onlyFailed := c.Query("only_failed") == "true"
		_, err = h.engine.Undo(ctx, step, onlyFailed)
	case "retry":
		_, err = h.engine.Retry(ctx, step)
	case "resume":
		_, err = h.engine.Resume(ctx, step)
	}
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, op+"_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"step_id": stepID, "operation": op, "dispatched": true})
}
