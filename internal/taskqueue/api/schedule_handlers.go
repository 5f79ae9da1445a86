package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"gorm.io/gorm"

	taskDB "swallowtail/internal/taskqueue/db"
	"swallowtail/internal/taskqueue/kinds"
)

type ScheduleHandler struct {
	DB    *gorm.DB
	Kinds *kinds.Registry
}

func NewScheduleHandler(gormDB *gorm.DB, registry *kinds.Registry) *ScheduleHandler {
	return &ScheduleHandler{DB: gormDB, Kinds: registry}
}

type CreateScheduleRequest struct {
	Name           string     `json:"name" validate:"required,gt=0"`
	Description    string     `json:"description"`
	Kind           string     `json:"kind" validate:"required,gt=0"`
	Params         string     `json:"params"`
	Priority       int        `json:"priority"`
	CronExpression string     `json:"cron_expression,omitempty"`
	RunAt          *time.Time `json:"run_at,omitempty"`
}

// CreateSchedule registers a recurring (cron) or one-shot (run_at) entry.
// The scheduler picks it up on the next refresh.
func (h *ScheduleHandler) CreateSchedule(ctx context.Context, c *app.RequestContext) {
	var req CreateScheduleRequest
	if err := c.BindAndValidate(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	if req.CronExpression == "" && req.RunAt == nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Either cron_expression or run_at is required"})
		return
	}
	if req.RunAt != nil && req.RunAt.Before(time.Now()) {
		c.JSON(http.StatusBadRequest, utils.H{"error": "run_at must be in the future"})
		return
	}
	if req.Params == "" {
		req.Params = "{}"
	}
	if err := h.Kinds.ValidateParams(req.Kind, req.Params); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{
			"error":             "Schedule params do not match the kind's schema.",
			"validation_errors": err.Error(),
		})
		return
	}

	entry := taskDB.ScheduleEntry{
		Name:           req.Name,
		Description:    req.Description,
		Kind:           req.Kind,
		Params:         req.Params,
		Priority:       req.Priority,
		CronExpression: req.CronExpression,
		RunAt:          req.RunAt,
	}
	if entry.Priority <= 0 {
		entry.Priority = taskDB.DefaultPriority
	}
	if result := h.DB.Create(&entry); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to create schedule entry: " + result.Error.Error()})
		return
	}
	log.Printf("Schedule entry ID %d created (%s). Scheduler refresh needed to activate it.", entry.ID, entry.Name)
	c.JSON(http.StatusCreated, entry)
}

func (h *ScheduleHandler) GetSchedules(ctx context.Context, c *app.RequestContext) {
	var entries []taskDB.ScheduleEntry
	if result := h.DB.Find(&entries); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch schedule entries: " + result.Error.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *ScheduleHandler) GetScheduleByID(ctx context.Context, c *app.RequestContext) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var entry taskDB.ScheduleEntry
	if result := h.DB.First(&entry, id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Schedule entry not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch schedule entry: " + result.Error.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *ScheduleHandler) DeleteSchedule(ctx context.Context, c *app.RequestContext) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var entry taskDB.ScheduleEntry
	if result := h.DB.First(&entry, id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Schedule entry not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch schedule entry: " + result.Error.Error()})
		}
		return
	}
	if result := h.DB.Delete(&entry); result.Error != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to delete schedule entry: " + result.Error.Error()})
		return
	}
	log.Printf("Schedule entry ID %d deleted. Scheduler refresh needed to deactivate it.", entry.ID)
	c.JSON(http.StatusOK, utils.H{"message": "Schedule entry deleted"})
}
