package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"

	taskDB "swallowtail/internal/taskqueue/db"
	"swallowtail/internal/taskqueue/dispatch"
	"swallowtail/internal/taskqueue/store"
)

const (
	DefaultTickInterval = 1 * time.Minute
	DefaultClaimLimit   = 50
)

// SchedulerService owns the periodic claim tick and the gocron jobs backing
// recurring and one-shot ScheduleEntries. The tick itself needs no overlap
// protection: the store's atomic claim guarantees a task is handed out once
// even when ticks overlap.
type SchedulerService struct {
	DB         *gorm.DB
	Store      *store.TaskStore
	Dispatcher dispatch.Dispatcher
	Scheduler  gocron.Scheduler
	appContext context.Context

	TickInterval time.Duration
	ClaimLimit   int
}

// NewSchedulerService builds the service. SCHEDULER_TICK_SECONDS and
// SCHEDULER_CLAIM_LIMIT override the defaults.
func NewSchedulerService(ctx context.Context, gormDB *gorm.DB, taskStore *store.TaskStore, dispatcher dispatch.Dispatcher) (*SchedulerService, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	svc := &SchedulerService{
		DB:           gormDB,
		Store:        taskStore,
		Dispatcher:   dispatcher,
		Scheduler:    s,
		appContext:   ctx,
		TickInterval: DefaultTickInterval,
		ClaimLimit:   DefaultClaimLimit,
	}
	if v := os.Getenv("SCHEDULER_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			svc.TickInterval = time.Duration(n) * time.Second
		} else {
			log.Printf("SchedulerService: invalid SCHEDULER_TICK_SECONDS %q, using default %s", v, DefaultTickInterval)
		}
	}
	if v := os.Getenv("SCHEDULER_CLAIM_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			svc.ClaimLimit = n
		} else {
			log.Printf("SchedulerService: invalid SCHEDULER_CLAIM_LIMIT %q, using default %d", v, DefaultClaimLimit)
		}
	}
	return svc, nil
}

// Start begins the claim tick and loads schedule entries.
func (s *SchedulerService) Start() error {
	log.Println("SchedulerService starting...")
	_, err := s.Scheduler.NewJob(
		gocron.DurationJob(s.TickInterval),
		gocron.NewTask(func() {
			claimed, err := s.Tick()
			if err != nil {
				log.Printf("SchedulerService: tick failed: %v", err)
				return
			}
			if claimed > 0 {
				log.Printf("SchedulerService: tick claimed %d tasks", claimed)
			}
		}),
		gocron.WithName("claim_tick"),
		gocron.WithTags("claim_tick"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule claim tick: %w", err)
	}
	s.Scheduler.Start()
	s.LoadAndScheduleEntries()
	log.Println("SchedulerService started and initial schedule entries loaded.")
	return nil
}

// Stop shuts down the gocron scheduler.
func (s *SchedulerService) Stop() {
	log.Println("SchedulerService stopping...")
	if err := s.Scheduler.Shutdown(); err != nil {
		log.Printf("Error shutting down gocron scheduler: %v", err)
	} else {
		log.Println("Gocron scheduler shut down successfully.")
	}
}

// Tick claims due tasks and hands them to the dispatcher. Returns the
// number claimed. A dispatch failure for an individual task is fed back
// through the retry path and never aborts the rest of the batch.
func (s *SchedulerService) Tick() (int, error) {
	claimed, err := s.Store.ClaimDue(time.Now().UTC(), s.ClaimLimit)
	if err != nil {
		return len(claimed), fmt.Errorf("claim failed: %w", err)
	}
	for _, task := range claimed {
		if err := s.Dispatcher.Dispatch(s.appContext, task); err != nil {
			log.Printf("SchedulerService: dispatch failed for task ID %d: %v", task.ID, err)
			if failErr := s.Store.Fail(task.ID, fmt.Sprintf("dispatch failed: %v", err), true); failErr != nil {
				log.Printf("SchedulerService: error recording dispatch failure for task ID %d: %v", task.ID, failErr)
			}
		}
	}
	return len(claimed), nil
}

// LoadAndScheduleEntries (re)registers gocron jobs for all schedule
// entries: a CronJob per recurring entry, a OneTimeJob per future-dated
// one-shot entry.
func (s *SchedulerService) LoadAndScheduleEntries() {
	log.Println("Loading and scheduling entries...")
	var entries []taskDB.ScheduleEntry
	if err := s.DB.Find(&entries).Error; err != nil {
		log.Printf("Error fetching schedule entries: %v", err)
		return
	}

	s.Scheduler.RemoveByTags("schedule_entry")

	scheduled := 0
	for _, e := range entries {
		entry := e
		switch {
		case entry.CronExpression != "":
			job, err := s.Scheduler.NewJob(
				gocron.CronJob(entry.CronExpression, false),
				gocron.NewTask(func(en taskDB.ScheduleEntry) { s.fireEntry(en) }, entry),
				gocron.WithName(fmt.Sprintf("entry_%d", entry.ID)),
				gocron.WithTags("schedule_entry", fmt.Sprintf("entry_id:%d", entry.ID)),
			)
			if err != nil {
				log.Printf("Error scheduling entry ID %d (%s) with cron '%s': %v", entry.ID, entry.Name, entry.CronExpression, err)
				continue
			}
			if nextRun, err := job.NextRun(); err == nil {
				log.Printf("Scheduled entry ID %d (%s) with cron '%s', next run %s", entry.ID, entry.Name, entry.CronExpression, nextRun.Format(time.RFC3339))
			}
			scheduled++
		case entry.RunAt != nil && entry.RunAt.After(time.Now()):
			_, err := s.Scheduler.NewJob(
				gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(entry.RunAt.UTC())),
				gocron.NewTask(func(en taskDB.ScheduleEntry) { s.fireEntry(en) }, entry),
				gocron.WithName(fmt.Sprintf("entry_once_%d", entry.ID)),
				gocron.WithTags("schedule_entry", fmt.Sprintf("entry_id:%d", entry.ID)),
			)
			if err != nil {
				log.Printf("Error scheduling one-shot entry ID %d (%s) at %v: %v", entry.ID, entry.Name, entry.RunAt, err)
				continue
			}
			log.Printf("Scheduled one-shot entry ID %d (%s) at %s", entry.ID, entry.Name, entry.RunAt.Format(time.RFC3339))
			scheduled++
		default:
			// Past one-shot or empty entry; nothing to register.
		}
	}
	log.Printf("%d schedule entries registered, %d jobs currently scheduled.", scheduled, len(s.Scheduler.Jobs()))
}

// fireEntry creates a PENDING task from the entry. The next claim tick
// picks it up; firing never dispatches directly.
func (s *SchedulerService) fireEntry(entry taskDB.ScheduleEntry) {
	log.Printf("Schedule entry fired: ID %d (%s)", entry.ID, entry.Name)
	params := entry.Params
	if params == "" {
		params = "{}"
	}
	task := taskDB.Task{
		ScheduleEntryID: entry.ID,
		Kind:            entry.Kind,
		Params:          params,
		Status:          taskDB.StatusPending,
		Priority:        entry.Priority,
	}
	if task.Priority <= 0 {
		task.Priority = taskDB.DefaultPriority
	}
	if err := s.DB.Create(&task).Error; err != nil {
		log.Printf("Error creating task from schedule entry ID %d: %v", entry.ID, err)
		return
	}
	log.Printf("Created task ID %d from schedule entry ID %d", task.ID, entry.ID)
}

// RefreshScheduledJobs reloads schedule entries, e.g. after a CRUD change.
func (s *SchedulerService) RefreshScheduledJobs() { s.LoadAndScheduleEntries() }
