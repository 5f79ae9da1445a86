package db

import (
	"time"

	"gorm.io/gorm"
)

// Task status values. Transitions follow a fixed graph:
//
//	PENDING -> IN_PROGRESS -> COMPLETED
//	IN_PROGRESS -> PENDING (retry with backoff)
//	IN_PROGRESS -> FAILED
//	PENDING | IN_PROGRESS -> CANCELLED
//
// COMPLETED, FAILED and CANCELLED are terminal.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusCancelled  = "CANCELLED"
)

// DefaultPriority is assigned when a task is created without an explicit
// priority. Lower value means more urgent.
const DefaultPriority = 100

// Task represents a unit of schedulable work in the queue.
type Task struct {
	gorm.Model                 // Includes ID, CreatedAt, UpdatedAt, DeletedAt
	ScheduleEntryID uint       `json:"schedule_entry_id,omitempty"`       // Entry that spawned this task; zero for API-created tasks
	Kind            string     `json:"kind" gorm:"index"`                 // Routes to the worker handler for this task
	Params          string     `json:"params" gorm:"type:json"`           // JSON string, validated against the kind's schema
	Status          string     `json:"status" gorm:"index"`               // One of the Status* constants
	Priority        int        `json:"priority" gorm:"index;default:100"` // Lower = more urgent
	RetryCount      int        `json:"retry_count"`
	ClaimedBy       string     `json:"claimed_by"`              // Scheduler instance that claimed the task
	Result          string     `json:"result" gorm:"type:json"` // JSON string, set on COMPLETED
	ErrorMessage    string     `json:"error_message"`           // Last failure, set on FAILED
	ScheduledAt     *time.Time `json:"scheduled_at" gorm:"index"` // Nil means run ASAP
	StartedAt       *time.Time `json:"started_at"`                // Set on entering IN_PROGRESS
	CompletedAt     *time.Time `json:"completed_at"`              // Set on entering a terminal state
}

// Terminal reports whether the task is in a terminal state.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusCancelled
}

// ScheduleEntry represents recurring or one-shot future work. A firing entry
// creates a PENDING Task picked up by the next claim tick.
type ScheduleEntry struct {
	gorm.Model
	Name           string     `json:"name" gorm:"uniqueIndex"`
	Description    string     `json:"description"`
	Kind           string     `json:"kind" gorm:"index"`
	Params         string     `json:"params" gorm:"type:json"` // Params for the tasks this entry creates
	Priority       int        `json:"priority" gorm:"default:100"`
	CronExpression string     `json:"cron_expression,omitempty" gorm:"index;comment:Standard cron expression for recurring entries"`
	RunAt          *time.Time `json:"run_at,omitempty" gorm:"index"` // One-shot entries: fire once at this time
	Tasks          []Task     `json:"-" gorm:"foreignKey:ScheduleEntryID"`
}
