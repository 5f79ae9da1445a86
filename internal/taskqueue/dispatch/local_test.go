package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
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
	"swallowtail/internal/taskworker/handlers"
	"swallowtail/internal/taskworker/runner"
)

type funcHandler func(ctx context.Context, payload events.TaskDispatchPayload) (string, error)

func (f funcHandler) Handle(ctx context.Context, payload events.TaskDispatchPayload) (string, error) {
	return f(ctx, payload)
}

func setupLocalTest(t *testing.T, mapping map[string]handlers.Handler) (*LocalDispatcher, *store.TaskStore, *clockwork.FakeClock) {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "local_test.db")
	gormDB, err := gorm.Open(sqlite.Open(dbFile+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(&taskDB.Task{}))

	clock := clockwork.NewFakeClock()
	taskStore := &store.TaskStore{
		DB:       gormDB,
		Policy:   retry.Policy{MaxRetries: 3, BaseDelay: 30 * time.Second, MaxDelay: 15 * time.Minute},
		Notifier: events.NopNotifier{},
		Clock:    clock,
		OwnerID:  "local-test",
	}
	d := NewLocalDispatcher(taskStore, handlers.NewRegistry(mapping), 2)
	t.Cleanup(d.Shutdown)
	return d, taskStore, clock
}

func dispatchClaimed(t *testing.T, d *LocalDispatcher, taskStore *store.TaskStore, clock *clockwork.FakeClock, kind, params string) uint {
	t.Helper()
	id, err := taskStore.Create(kind, params, 0, nil)
	require.NoError(t, err)
	claimed, err := taskStore.ClaimDue(clock.Now(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, d.Dispatch(context.Background(), claimed[0]))
	return id
}

func waitForStatus(t *testing.T, taskStore *store.TaskStore, id uint, status string) *taskDB.Task {
	t.Helper()
	var task *taskDB.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = taskStore.Get(id)
		return err == nil && task.Status == status
	}, 5*time.Second, 10*time.Millisecond, "task %d never reached %s", id, status)
	return task
}

func TestLocalDispatch_SuccessCompletesTask(t *testing.T) {
	d, taskStore, clock := setupLocalTest(t, map[string]handlers.Handler{
		"ok": funcHandler(func(ctx context.Context, p events.TaskDispatchPayload) (string, error) {
			return `{"done":true}`, nil
		}),
	})

	id := dispatchClaimed(t, d, taskStore, clock, "ok", `{}`)
	task := waitForStatus(t, taskStore, id, taskDB.StatusCompleted)
	assert.Equal(t, `{"done":true}`, task.Result)
	assert.NotNil(t, task.CompletedAt)
}

func TestLocalDispatch_RetryableErrorRequeues(t *testing.T) {
	d, taskStore, clock := setupLocalTest(t, map[string]handlers.Handler{
		"flaky": funcHandler(func(ctx context.Context, p events.TaskDispatchPayload) (string, error) {
			return "", errors.New("transient upstream error")
		}),
	})

	id := dispatchClaimed(t, d, taskStore, clock, "flaky", `{}`)
	task := waitForStatus(t, taskStore, id, taskDB.StatusPending)
	assert.Equal(t, 1, task.RetryCount)
	assert.Contains(t, task.ErrorMessage, "transient upstream error")
}

func TestLocalDispatch_PermanentErrorFailsImmediately(t *testing.T) {
	d, taskStore, clock := setupLocalTest(t, map[string]handlers.Handler{
		"broken": funcHandler(func(ctx context.Context, p events.TaskDispatchPayload) (string, error) {
			return "", handlers.Permanent(fmt.Errorf("malformed payload"))
		}),
	})

	id := dispatchClaimed(t, d, taskStore, clock, "broken", `{}`)
	task := waitForStatus(t, taskStore, id, taskDB.StatusFailed)
	assert.Zero(t, task.RetryCount, "permanent errors never consume retries")
	assert.Contains(t, task.ErrorMessage, "malformed payload")
}

func TestLocalDispatch_UnknownKindFailsPermanently(t *testing.T) {
	d, taskStore, clock := setupLocalTest(t, map[string]handlers.Handler{})

	id := dispatchClaimed(t, d, taskStore, clock, "no-such-kind", `{}`)
	task := waitForStatus(t, taskStore, id, taskDB.StatusFailed)
	assert.Contains(t, task.ErrorMessage, "no handler registered")
}

func TestLocalDispatch_PanicIsCaughtAndRetried(t *testing.T) {
	d, taskStore, clock := setupLocalTest(t, map[string]handlers.Handler{
		"panicky": funcHandler(func(ctx context.Context, p events.TaskDispatchPayload) (string, error) {
			panic("handler exploded")
		}),
	})

	id := dispatchClaimed(t, d, taskStore, clock, "panicky", `{}`)
	task := waitForStatus(t, taskStore, id, taskDB.StatusPending)
	assert.Contains(t, task.ErrorMessage, "handler panic")
}

func TestLocalDispatch_HardTimeoutForceFails(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	d, taskStore, clock := setupLocalTest(t, map[string]handlers.Handler{
		"stuck": funcHandler(func(ctx context.Context, p events.TaskDispatchPayload) (string, error) {
			// Ignores its context entirely, like a misbehaving handler.
			<-block
			return "late result", nil
		}),
	})
	d.Limits = runner.Limits{Soft: 20 * time.Millisecond, Hard: 50 * time.Millisecond}

	id := dispatchClaimed(t, d, taskStore, clock, "stuck", `{}`)
	task := waitForStatus(t, taskStore, id, taskDB.StatusPending)
	assert.Contains(t, task.ErrorMessage, "hard time limit")
	assert.Equal(t, 1, task.RetryCount, "timeout is retryable while budget remains")
}

func TestLocalDispatch_SoftLimitCancelsHandlerContext(t *testing.T) {
	observed := make(chan error, 1)
	d, taskStore, clock := setupLocalTest(t, map[string]handlers.Handler{
		"cooperative": funcHandler(func(ctx context.Context, p events.TaskDispatchPayload) (string, error) {
			<-ctx.Done()
			observed <- ctx.Err()
			return "", fmt.Errorf("cancelled: %w", ctx.Err())
		}),
	})
	d.Limits = runner.Limits{Soft: 20 * time.Millisecond, Hard: 5 * time.Second}

	id := dispatchClaimed(t, d, taskStore, clock, "cooperative", `{}`)
	waitForStatus(t, taskStore, id, taskDB.StatusPending)

	select {
	case err := <-observed:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("handler never observed the soft cancellation")
	}
}

func TestLocalDispatch_QueueFullIsAnError(t *testing.T) {
	d, taskStore, clock := setupLocalTest(t, map[string]handlers.Handler{})
	d.Shutdown()

	_, err := taskStore.Create("ok", `{}`, 0, nil)
	require.NoError(t, err)
	claimed, err := taskStore.ClaimDue(clock.Now(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = d.Dispatch(context.Background(), claimed[0])
	assert.Error(t, err)
}
