package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	taskDB "swallowtail/internal/taskqueue/db"
	"swallowtail/internal/taskqueue/events"
	"swallowtail/internal/taskqueue/retry"
	"swallowtail/internal/taskqueue/store"
)

// fakeDispatcher records dispatched tasks and optionally fails them.
type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []taskDB.Task
	err        error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, task taskDB.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, task)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

func setupSchedulerTest(t *testing.T, dispatcher *fakeDispatcher) (*SchedulerService, *store.TaskStore) {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "scheduler_test.db")
	gormDB, err := gorm.Open(sqlite.Open(dbFile), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(&taskDB.Task{}, &taskDB.ScheduleEntry{}))

	taskStore := &store.TaskStore{
		DB:       gormDB,
		Policy:   retry.Policy{MaxRetries: 3, BaseDelay: 30 * time.Second, MaxDelay: 15 * time.Minute},
		Notifier: events.NopNotifier{},
		Clock:    clockwork.NewFakeClock(),
		OwnerID:  "scheduler-test",
	}

	svc, err := NewSchedulerService(context.Background(), gormDB, taskStore, dispatcher)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)
	return svc, taskStore
}

func TestTick_ClaimsAndDispatchesDueTasks(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	svc, taskStore := setupSchedulerTest(t, dispatcher)

	id, err := taskStore.Create("echo", `{"message":"hi"}`, 1, nil)
	require.NoError(t, err)

	claimed, err := svc.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	require.Equal(t, 1, dispatcher.count())
	assert.Equal(t, id, dispatcher.dispatched[0].ID)

	task, err := taskStore.Get(id)
	require.NoError(t, err)
	assert.Equal(t, taskDB.StatusInProgress, task.Status)
	assert.NotNil(t, task.StartedAt)
}

func TestTick_NoDueTasksIsNoOp(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	svc, taskStore := setupSchedulerTest(t, dispatcher)

	runAt := time.Now().Add(1 * time.Hour)
	_, err := taskStore.Create("echo", `{"message":"later"}`, 0, &runAt)
	require.NoError(t, err)

	claimed, err := svc.Tick()
	require.NoError(t, err)
	assert.Zero(t, claimed)
	assert.Zero(t, dispatcher.count())
}

func TestTick_OverlappingTicksNeverDoubleDispatch(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	svc, taskStore := setupSchedulerTest(t, dispatcher)

	const total = 10
	for i := 0; i < total; i++ {
		_, err := taskStore.Create("echo", `{"message":"x"}`, 0, nil)
		require.NoError(t, err)
	}

	// Two back-to-back ticks over the same backlog; the atomic claim in
	// the store is the only guard.
	first, err := svc.Tick()
	require.NoError(t, err)
	second, err := svc.Tick()
	require.NoError(t, err)

	assert.Equal(t, total, first+second)
	assert.Equal(t, total, dispatcher.count())
	seen := make(map[uint]bool)
	for _, task := range dispatcher.dispatched {
		assert.False(t, seen[task.ID], "task %d dispatched twice", task.ID)
		seen[task.ID] = true
	}
}

func TestTick_DispatchFailureFeedsRetryPath(t *testing.T) {
	dispatcher := &fakeDispatcher{err: errors.New("broker unavailable")}
	svc, taskStore := setupSchedulerTest(t, dispatcher)

	id, err := taskStore.Create("echo", `{"message":"hi"}`, 0, nil)
	require.NoError(t, err)

	claimed, err := svc.Tick()
	require.NoError(t, err, "a dispatch failure must not fail the tick")
	assert.Equal(t, 1, claimed)

	task, err := taskStore.Get(id)
	require.NoError(t, err)
	assert.Equal(t, taskDB.StatusPending, task.Status, "failed dispatch requeues the task")
	assert.Equal(t, 1, task.RetryCount)
	assert.Contains(t, task.ErrorMessage, "dispatch failed")
	assert.NotNil(t, task.ScheduledAt, "requeued with a backoff delay")
}

func TestFireEntry_CreatesPendingTask(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	svc, _ := setupSchedulerTest(t, dispatcher)

	entry := taskDB.ScheduleEntry{
		Name:           "nightly-echo",
		Kind:           "echo",
		Params:         `{"message":"nightly"}`,
		Priority:       5,
		CronExpression: "0 0 * * *",
	}
	require.NoError(t, svc.DB.Create(&entry).Error)

	svc.fireEntry(entry)

	var tasks []taskDB.Task
	require.NoError(t, svc.DB.Where("schedule_entry_id = ?", entry.ID).Find(&tasks).Error)
	require.Len(t, tasks, 1)
	assert.Equal(t, taskDB.StatusPending, tasks[0].Status)
	assert.Equal(t, "echo", tasks[0].Kind)
	assert.Equal(t, 5, tasks[0].Priority)

	// The new task is claimable by the next tick.
	claimed, err := svc.Tick()
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
}

func TestLoadAndScheduleEntries_RegistersCronJobs(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	svc, _ := setupSchedulerTest(t, dispatcher)

	entries := []taskDB.ScheduleEntry{
		{Name: "cron-entry", Kind: "echo", CronExpression: "*/5 * * * *"},
		{Name: "past-one-shot", Kind: "echo", RunAt: timePtr(time.Now().Add(-time.Hour))},
	}
	for i := range entries {
		require.NoError(t, svc.DB.Create(&entries[i]).Error)
	}

	svc.LoadAndScheduleEntries()

	jobs := svc.Scheduler.Jobs()
	names := make([]string, 0, len(jobs))
	for _, job := range jobs {
		names = append(names, job.Name())
	}
	assert.Contains(t, names, "entry_1", "cron entry registered")
	assert.NotContains(t, names, "entry_once_2", "past one-shot skipped")
}

func timePtr(t time.Time) *time.Time { return &t }
