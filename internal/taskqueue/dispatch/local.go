package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"

	taskDB "swallowtail/internal/taskqueue/db"
	"swallowtail/internal/taskqueue/events"
	"swallowtail/internal/taskqueue/store"
	"swallowtail/internal/taskworker/handlers"
	"swallowtail/internal/taskworker/runner"
)

const defaultQueueDepth = 100

// LocalDispatcher executes tasks on an in-process worker pool instead of a
// broker. Used for brokerless deployments and in tests. Completion feeds
// straight back into the TaskStore.
type LocalDispatcher struct {
	Store    *store.TaskStore
	Handlers *handlers.Registry
	Limits   runner.Limits

	queue     chan taskDB.Task
	waitGroup sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewLocalDispatcher starts workers goroutines draining the local queue.
func NewLocalDispatcher(taskStore *store.TaskStore, registry *handlers.Registry, workers int) *LocalDispatcher {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &LocalDispatcher{
		Store:    taskStore,
		Handlers: registry,
		Limits:   runner.LimitsFromEnv(),
		queue:    make(chan taskDB.Task, defaultQueueDepth),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < workers; i++ {
		d.waitGroup.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch enqueues the task without blocking. A full queue is an error;
// the scheduler fails the task back into the retry path.
func (d *LocalDispatcher) Dispatch(ctx context.Context, task taskDB.Task) error {
	if d.ctx.Err() != nil {
		return fmt.Errorf("local dispatcher is shut down")
	}
	select {
	case d.queue <- task:
		return nil
	default:
		return fmt.Errorf("local dispatch queue is full (task %d)", task.ID)
	}
}

func (d *LocalDispatcher) worker() {
	defer d.waitGroup.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case task, ok := <-d.queue:
			if !ok {
				return
			}
			d.run(task)
		}
	}
}

// run executes one claimed task and records the outcome. Any error from the
// task body ends in Complete or Fail; nothing is left unresolved.
func (d *LocalDispatcher) run(task taskDB.Task) {
	payload := events.TaskDispatchPayload{
		TaskID:     task.ID,
		Kind:       task.Kind,
		Params:     task.Params,
		RetryCount: task.RetryCount,
	}

	handler, err := d.Handlers.Get(task.Kind)
	if err != nil {
		d.recordFailure(task.ID, err.Error(), false)
		return
	}

	result, execErr := runner.Execute(d.ctx, handler, payload, d.Limits)
	if execErr != nil {
		d.recordFailure(task.ID, execErr.Error(), !handlers.IsPermanent(execErr))
		return
	}
	if err := d.Store.Complete(task.ID, result); err != nil {
		log.Printf("LocalDispatcher: error completing task ID %d: %v", task.ID, err)
	}
}

func (d *LocalDispatcher) recordFailure(taskID uint, errMsg string, retryable bool) {
	if err := d.Store.Fail(taskID, errMsg, retryable); err != nil {
		log.Printf("LocalDispatcher: error failing task ID %d: %v", taskID, err)
	}
}

// Shutdown stops the workers. In-flight handlers see their context
// cancelled; queued tasks stay IN_PROGRESS and are recovered by external
// housekeeping or a fresh claim after requeue.
func (d *LocalDispatcher) Shutdown() {
	d.closeOnce.Do(func() {
		d.cancel()
		d.waitGroup.Wait()
	})
}
