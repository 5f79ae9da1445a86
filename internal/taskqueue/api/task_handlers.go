package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"gorm.io/gorm"

	taskDB "swallowtail/internal/taskqueue/db"
	"swallowtail/internal/taskqueue/kinds"
	"swallowtail/internal/taskqueue/store"
)

// Ticker is the slice of the scheduler the HTTP layer needs.
type Ticker interface {
	Tick() (int, error)
	RefreshScheduledJobs()
}

type TaskHandler struct {
	DB    *gorm.DB
	Store *store.TaskStore
	Kinds *kinds.Registry
}

func NewTaskHandler(gormDB *gorm.DB, taskStore *store.TaskStore, registry *kinds.Registry) *TaskHandler {
	return &TaskHandler{DB: gormDB, Store: taskStore, Kinds: registry}
}

type CreateTaskRequest struct {
	Kind        string     `json:"kind" validate:"required"`
	Params      string     `json:"params" validate:"required"`
	Priority    int        `json:"priority"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// CreateTask inserts a PENDING task after validating its params against the
// kind's schema. The next claim tick picks it up.
func (h *TaskHandler) CreateTask(ctx context.Context, c *app.RequestContext) {
	var req CreateTaskRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}

	if err := h.Kinds.ValidateParams(req.Kind, req.Params); err != nil {
		log.Printf("Task params validation failed for kind %q: %v", req.Kind, err)
		c.JSON(http.StatusBadRequest, utils.H{
			"error":             "Task params do not match the kind's schema.",
			"validation_errors": err.Error(),
		})
		return
	}

	id, err := h.Store.Create(req.Kind, req.Params, req.Priority, req.ScheduledAt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to create task: " + err.Error()})
		return
	}

	task, err := h.Store.Get(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch created task: " + err.Error()})
		return
	}
	c.JSON(http.StatusCreated, task)
}

// GetTasks lists tasks, optionally filtered by status and kind.
func (h *TaskHandler) GetTasks(ctx context.Context, c *app.RequestContext) {
	var tasks []taskDB.Task
	query := h.DB.Model(&taskDB.Task{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if kind := c.Query("kind"); kind != "" {
		query = query.Where("kind = ?", kind)
	}
	if result := query.Order("id DESC").Find(&tasks); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch tasks: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// GetTaskByID returns the current state of one task. Transient failures are
// invisible here: a retried task just shows up PENDING with a later
// scheduled_at.
func (h *TaskHandler) GetTaskByID(ctx context.Context, c *app.RequestContext) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	task, err := h.Store.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch task: " + err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, task)
}

// CancelTask cancels a PENDING or IN_PROGRESS task.
func (h *TaskHandler) CancelTask(ctx context.Context, c *app.RequestContext) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.Store.Cancel(id); err != nil {
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
		case errors.Is(err, store.ErrInvalidTransition):
			c.JSON(http.StatusConflict, utils.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to cancel task: " + err.Error()})
		}
		return
	}
	task, err := h.Store.Get(id)
	if err != nil {
		c.JSON(http.StatusOK, utils.H{"message": "Task cancelled"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// TriggerTick runs a claim tick immediately and reports the claimed count.
func TriggerTick(ticker Ticker) func(ctx context.Context, c *app.RequestContext) {
	return func(ctx context.Context, c *app.RequestContext) {
		claimed, err := ticker.Tick()
		if err != nil {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Tick failed: " + err.Error(), "claimed": claimed})
			return
		}
		c.JSON(http.StatusOK, utils.H{"claimed": claimed})
	}
}

func parseID(c *app.RequestContext) (uint, bool) {
	idStr := c.Param("id")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return 0, false
	}
	return uint(id), true
}
