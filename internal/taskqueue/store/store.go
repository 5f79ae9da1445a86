package store

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"

	taskDB "swallowtail/internal/taskqueue/db"
	"swallowtail/internal/taskqueue/events"
	"swallowtail/internal/taskqueue/retry"
)

var (
	// ErrTaskNotFound is returned when the task id does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when an operation is not allowed
	// from the task's current status.
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// TaskStore is the durable record of every task and its current state.
// All status transitions go through it; the per-row conditional updates make
// claims and completions safe under concurrent callers.
type TaskStore struct {
	DB       *gorm.DB
	Policy   retry.Policy
	Notifier events.Notifier
	Clock    clockwork.Clock
	OwnerID  string // Identifies this store instance as the claim owner
}

// NewTaskStore builds a store with the default retry policy, a real clock
// and a fresh owner id.
func NewTaskStore(db *gorm.DB, notifier events.Notifier) *TaskStore {
	if notifier == nil {
		notifier = events.NopNotifier{}
	}
	return &TaskStore{
		DB:       db,
		Policy:   retry.DefaultPolicy(),
		Notifier: notifier,
		Clock:    clockwork.NewRealClock(),
		OwnerID:  uuid.NewString(),
	}
}

// Create inserts a PENDING task. A nil scheduledAt means run ASAP.
func (s *TaskStore) Create(kind, params string, priority int, scheduledAt *time.Time) (uint, error) {
	if priority <= 0 {
		priority = taskDB.DefaultPriority
	}
	task := taskDB.Task{
		Kind:        kind,
		Params:      params,
		Status:      taskDB.StatusPending,
		Priority:    priority,
		ScheduledAt: scheduledAt,
	}
	if result := s.DB.Create(&task); result.Error != nil {
		return 0, fmt.Errorf("failed to create task: %w", result.Error)
	}
	s.Notifier.NotifyStatus(events.TaskStatusEvent{TaskID: task.ID, Status: task.Status})
	return task.ID, nil
}

// Get returns the task by id.
func (s *TaskStore) Get(id uint) (*taskDB.Task, error) {
	var task taskDB.Task
	if result := s.DB.First(&task, id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to fetch task %d: %w", id, result.Error)
	}
	return &task, nil
}

// ClaimDue atomically transitions up to limit due PENDING tasks to
// IN_PROGRESS and returns them, ordered by priority then creation time.
//
// Each row is claimed with a conditional UPDATE guarded on status=PENDING,
// so two overlapping callers can never both claim the same task: the loser
// of the race sees zero rows affected and skips the task. Tasks with a
// future scheduled_at are never candidates.
func (s *TaskStore) ClaimDue(now time.Time, limit int) ([]taskDB.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	var candidates []taskDB.Task
	result := s.DB.
		Where("status = ?", taskDB.StatusPending).
		Where("scheduled_at IS NULL OR scheduled_at <= ?", now).
		Order("priority ASC, created_at ASC, id ASC").
		Limit(limit).
		Find(&candidates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to select due tasks: %w", result.Error)
	}

	claimed := make([]taskDB.Task, 0, len(candidates))
	for _, candidate := range candidates {
		res := s.DB.Model(&taskDB.Task{}).
			Where("id = ? AND status = ?", candidate.ID, taskDB.StatusPending).
			Updates(map[string]interface{}{
				"status":     taskDB.StatusInProgress,
				"started_at": now,
				"claimed_by": s.OwnerID,
			})
		if res.Error != nil {
			return claimed, fmt.Errorf("failed to claim task %d: %w", candidate.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			// Benign race: someone else claimed (or cancelled) it first.
			continue
		}
		candidate.Status = taskDB.StatusInProgress
		startedAt := now
		candidate.StartedAt = &startedAt
		candidate.ClaimedBy = s.OwnerID
		claimed = append(claimed, candidate)
		s.Notifier.NotifyStatus(events.TaskStatusEvent{
			TaskID:     candidate.ID,
			Status:     taskDB.StatusInProgress,
			RetryCount: candidate.RetryCount,
		})
	}
	return claimed, nil
}

// Complete transitions IN_PROGRESS -> COMPLETED and stores the result.
// A repeat completion of an already-COMPLETED task is a no-op so that
// at-least-once result delivery is tolerated; any other source state is
// ErrInvalidTransition.
func (s *TaskStore) Complete(id uint, result string) error {
	now := s.Clock.Now()
	res := s.DB.Model(&taskDB.Task{}).
		Where("id = ? AND status = ?", id, taskDB.StatusInProgress).
		Updates(map[string]interface{}{
			"status":       taskDB.StatusCompleted,
			"result":       result,
			"completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete task %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		task, err := s.Get(id)
		if err != nil {
			return err
		}
		if task.Status == taskDB.StatusCompleted {
			log.Printf("TaskStore: duplicate completion for task ID %d ignored", id)
			return nil
		}
		return fmt.Errorf("cannot complete task %d in status %s: %w", id, task.Status, ErrInvalidTransition)
	}
	s.Notifier.NotifyStatus(events.TaskStatusEvent{TaskID: id, Status: taskDB.StatusCompleted})
	return nil
}

// Fail records a failed execution attempt. If the error is retryable and
// retry budget remains, the task goes back to PENDING with an incremented
// retry count and a backoff-delayed scheduled_at; otherwise it is FAILED
// permanently with the error message and completed_at set.
//
// A duplicate failure for a task already in a terminal state is a no-op,
// mirroring Complete: redelivered results are routine with an
// at-least-once broker.
func (s *TaskStore) Fail(id uint, errMsg string, retryable bool) error {
	task, err := s.Get(id)
	if err != nil {
		return err
	}
	if task.Terminal() {
		log.Printf("TaskStore: duplicate failure for terminal task ID %d ignored", id)
		return nil
	}
	if task.Status != taskDB.StatusInProgress {
		return fmt.Errorf("cannot fail task %d in status %s: %w", id, task.Status, ErrInvalidTransition)
	}

	now := s.Clock.Now()
	if s.Policy.ShouldRetry(task.RetryCount, retryable) {
		nextAttempt := now.Add(s.Policy.Backoff(task.RetryCount))
		res := s.DB.Model(&taskDB.Task{}).
			Where("id = ? AND status = ?", id, taskDB.StatusInProgress).
			Updates(map[string]interface{}{
				"status":        taskDB.StatusPending,
				"retry_count":   task.RetryCount + 1,
				"error_message": errMsg,
				"scheduled_at":  nextAttempt,
				"started_at":    nil,
				"claimed_by":    "",
			})
		if res.Error != nil {
			return fmt.Errorf("failed to requeue task %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			// Raced with a concurrent cancel; the other transition wins.
			return nil
		}
		log.Printf("TaskStore: task ID %d failed (attempt %d), retrying at %s: %s",
			id, task.RetryCount+1, nextAttempt.Format(time.RFC3339), errMsg)
		s.Notifier.NotifyStatus(events.TaskStatusEvent{
			TaskID:     id,
			Status:     taskDB.StatusPending,
			RetryCount: task.RetryCount + 1,
			Error:      errMsg,
		})
		return nil
	}

	res := s.DB.Model(&taskDB.Task{}).
		Where("id = ? AND status = ?", id, taskDB.StatusInProgress).
		Updates(map[string]interface{}{
			"status":        taskDB.StatusFailed,
			"error_message": errMsg,
			"completed_at":  now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to fail task %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	log.Printf("TaskStore: task ID %d permanently failed after %d attempts: %s", id, task.RetryCount+1, errMsg)
	s.Notifier.NotifyStatus(events.TaskStatusEvent{
		TaskID:     id,
		Status:     taskDB.StatusFailed,
		RetryCount: task.RetryCount,
		Error:      errMsg,
	})
	return nil
}

// Cancel transitions a PENDING or IN_PROGRESS task to CANCELLED. For tasks
// already executing, cancellation is cooperative: the status change is the
// flag the execution side observes.
func (s *TaskStore) Cancel(id uint) error {
	now := s.Clock.Now()
	res := s.DB.Model(&taskDB.Task{}).
		Where("id = ? AND status IN ?", id, []string{taskDB.StatusPending, taskDB.StatusInProgress}).
		Updates(map[string]interface{}{
			"status":       taskDB.StatusCancelled,
			"completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to cancel task %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		task, err := s.Get(id)
		if err != nil {
			return err
		}
		return fmt.Errorf("cannot cancel task %d in status %s: %w", id, task.Status, ErrInvalidTransition)
	}
	s.Notifier.NotifyStatus(events.TaskStatusEvent{TaskID: id, Status: taskDB.StatusCancelled})
	return nil
}
