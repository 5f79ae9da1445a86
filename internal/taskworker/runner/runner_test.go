package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swallowtail/internal/taskqueue/events"
	"swallowtail/internal/taskworker/handlers"
)

type funcHandler func(ctx context.Context, payload events.TaskDispatchPayload) (string, error)

func (f funcHandler) Handle(ctx context.Context, payload events.TaskDispatchPayload) (string, error) {
	return f(ctx, payload)
}

func testLimits() Limits {
	return Limits{Soft: 50 * time.Millisecond, Hard: 150 * time.Millisecond}
}

func TestExecute_Success(t *testing.T) {
	h := funcHandler(func(ctx context.Context, p events.TaskDispatchPayload) (string, error) {
		return "done", nil
	})
	result, err := Execute(context.Background(), h, events.TaskDispatchPayload{TaskID: 1}, testLimits())
	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestExecute_HandlerErrorPropagates(t *testing.T) {
	wantErr := errors.New("handler failed")
	h := funcHandler(func(ctx context.Context, p events.TaskDispatchPayload) (string, error) {
		return "", wantErr
	})
	_, err := Execute(context.Background(), h, events.TaskDispatchPayload{TaskID: 2}, testLimits())
	assert.ErrorIs(t, err, wantErr)
}

func TestExecute_PanicBecomesError(t *testing.T) {
	h := funcHandler(func(ctx context.Context, p events.TaskDispatchPayload) (string, error) {
		panic("boom")
	})
	_, err := Execute(context.Background(), h, events.TaskDispatchPayload{TaskID: 3}, testLimits())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panic")
	assert.Contains(t, err.Error(), "boom")
}

func TestExecute_SoftLimitCancelsContext(t *testing.T) {
	h := funcHandler(func(ctx context.Context, p events.TaskDispatchPayload) (string, error) {
		<-ctx.Done()
		return "", fmt.Errorf("stopping: %w", ctx.Err())
	})
	start := time.Now()
	_, err := Execute(context.Background(), h, events.TaskDispatchPayload{TaskID: 4}, testLimits())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "cooperative handler returns at the soft limit, not the hard one")
}

func TestExecute_HardLimitAbandonsHandler(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := funcHandler(func(ctx context.Context, p events.TaskDispatchPayload) (string, error) {
		<-block // ignores cancellation
		return "too late", nil
	})
	result, err := Execute(context.Background(), h, events.TaskDispatchPayload{TaskID: 5}, testLimits())
	assert.ErrorIs(t, err, ErrHardTimeout)
	assert.Empty(t, result, "abandoned handler's result is dropped")
}

func TestOutcome_Classification(t *testing.T) {
	payload := events.TaskDispatchPayload{TaskID: 7}

	out := Outcome(payload, `{"ok":true}`, nil)
	assert.Equal(t, "COMPLETED", out.Status)
	assert.Equal(t, `{"ok":true}`, out.Result)

	out = Outcome(payload, "", errors.New("transient"))
	assert.Equal(t, "FAILED", out.Status)
	assert.True(t, out.Retryable)

	out = Outcome(payload, "", handlers.Permanent(errors.New("bad input")))
	assert.Equal(t, "FAILED", out.Status)
	assert.False(t, out.Retryable)

	out = Outcome(payload, "", fmt.Errorf("%w (150ms)", ErrHardTimeout))
	assert.Equal(t, "FAILED", out.Status)
	assert.True(t, out.Retryable, "timeouts stay retryable until the budget runs out")
}

func TestLimitsFromEnv(t *testing.T) {
	t.Setenv("TASK_HARD_LIMIT_SECONDS", "600")
	limits := LimitsFromEnv()
	assert.Equal(t, 10*time.Minute, limits.Hard)
	assert.Equal(t, 10*time.Minute-DefaultGrace, limits.Soft)

	t.Setenv("TASK_HARD_LIMIT_SECONDS", "10")
	limits = LimitsFromEnv()
	assert.Equal(t, 10*time.Second, limits.Hard)
	assert.Equal(t, 5*time.Second, limits.Soft, "soft limit floored at half the hard limit")
}
