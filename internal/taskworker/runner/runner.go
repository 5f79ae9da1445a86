package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"swallowtail/internal/taskqueue/events"
	"swallowtail/internal/taskworker/handlers"
)

const (
	DefaultHardLimit = 5 * time.Minute
	// Grace between the soft cancellation signal and the hard abandon.
	DefaultGrace = 30 * time.Second
)

// ErrHardTimeout is returned when a handler ignores its soft cancellation
// and the hard limit expires. The handler goroutine is abandoned and its
// eventual result dropped.
var ErrHardTimeout = errors.New("task exceeded hard time limit")

// Limits bound a single task execution. The handler context is cancelled at
// Soft; at Hard the runner stops waiting and force-fails the task.
type Limits struct {
	Soft time.Duration
	Hard time.Duration
}

// LimitsFromEnv reads TASK_HARD_LIMIT_SECONDS (default 300). The soft limit
// is the hard limit minus a 30s grace, floored at half the hard limit.
func LimitsFromEnv() Limits {
	hard := DefaultHardLimit
	if v := os.Getenv("TASK_HARD_LIMIT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hard = time.Duration(n) * time.Second
		} else {
			log.Printf("Runner: invalid TASK_HARD_LIMIT_SECONDS %q, using default %s", v, DefaultHardLimit)
		}
	}
	soft := hard - DefaultGrace
	if soft < hard/2 {
		soft = hard / 2
	}
	return Limits{Soft: soft, Hard: hard}
}

type handlerOutcome struct {
	result string
	err    error
}

// Execute runs one handler under the given limits. Panics in the handler
// are recovered and returned as errors; on hard timeout the handler
// goroutine is abandoned and ErrHardTimeout returned.
func Execute(ctx context.Context, h handlers.Handler, payload events.TaskDispatchPayload, limits Limits) (string, error) {
	softCtx, cancel := context.WithTimeout(ctx, limits.Soft)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Runner: handler panic for task ID %d: %v\n%s", payload.TaskID, r, debug.Stack())
				done <- handlerOutcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		result, err := h.Handle(softCtx, payload)
		done <- handlerOutcome{result: result, err: err}
	}()

	hardTimer := time.NewTimer(limits.Hard)
	defer hardTimer.Stop()

	select {
	case outcome := <-done:
		return outcome.result, outcome.err
	case <-hardTimer.C:
		cancel()
		log.Printf("Runner: task ID %d exceeded hard limit %s, abandoning handler", payload.TaskID, limits.Hard)
		return "", fmt.Errorf("%w (%s)", ErrHardTimeout, limits.Hard)
	}
}

// Outcome converts an execution result into the result payload reported to
// the manager. Timeouts stay retryable; permanent handler errors do not.
func Outcome(payload events.TaskDispatchPayload, result string, err error) events.TaskResultPayload {
	out := events.TaskResultPayload{TaskID: payload.TaskID}
	if err == nil {
		out.Status = "COMPLETED"
		out.Result = result
		return out
	}
	out.Status = "FAILED"
	out.Error = err.Error()
	out.Retryable = !handlers.IsPermanent(err)
	return out
}
