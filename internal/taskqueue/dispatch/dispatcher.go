package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"

	taskDB "swallowtail/internal/taskqueue/db"
	"swallowtail/internal/taskqueue/events"
	"swallowtail/internal/taskqueue/kinds"
)

const (
	DefaultKafkaBrokers      = "localhost:9092"
	DefaultTaskDispatchTopic = "task_execution_requests"

	dispatchWriteTimeout = 10 * time.Second
)

// Dispatcher hands a claimed task to an execution backend. Dispatch must
// return promptly; execution results flow back into the TaskStore through
// whatever completion path the backend provides.
type Dispatcher interface {
	Dispatch(ctx context.Context, task taskDB.Task) error
}

// KafkaDispatcher publishes dispatch payloads to the task topic. The worker
// pool consumes them and reports results on the result topic, so completion
// for this dispatcher is handled by the result consumer, not here.
//
// Broker writes are wrapped in exponential-backoff retry and a circuit
// breaker: a flapping broker trips the breaker and subsequent dispatches
// fail fast until it recovers.
type KafkaDispatcher struct {
	Writer  *kafka.Writer
	Kinds   *kinds.Registry
	breaker *gobreaker.CircuitBreaker
}

// NewKafkaDispatcher builds a dispatcher from KAFKA_BROKERS and
// TASK_DISPATCH_TOPIC with the usual local defaults.
func NewKafkaDispatcher(registry *kinds.Registry) *KafkaDispatcher {
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		kafkaBrokers = DefaultKafkaBrokers
	}
	dispatchTopic := os.Getenv("TASK_DISPATCH_TOPIC")
	if dispatchTopic == "" {
		dispatchTopic = DefaultTaskDispatchTopic
	}
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      strings.Split(kafkaBrokers, ","),
		Topic:        dispatchTopic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: int(kafka.RequireOne),
		Async:        false,
	})
	log.Printf("Task dispatcher configured for topic: %s", dispatchTopic)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "kafka-dispatch",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
	})

	return &KafkaDispatcher{Writer: writer, Kinds: registry, breaker: breaker}
}

// Dispatch publishes the task for execution. A task that cannot be
// published is left IN_PROGRESS; the scheduler fails it back into the
// retry path.
func (d *KafkaDispatcher) Dispatch(ctx context.Context, task taskDB.Task) error {
	payload := events.TaskDispatchPayload{
		TaskID:     task.ID,
		Kind:       task.Kind,
		Params:     task.Params,
		RetryCount: task.RetryCount,
	}
	if d.Kinds != nil {
		if spec, err := d.Kinds.Get(task.Kind); err == nil {
			payload.ParamSchema = spec.ParamSchema
		}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch payload for task %d: %w", task.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(task.ID), 10)),
		Value: payloadBytes,
	}

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		_, err := d.breaker.Execute(func() (interface{}, error) {
			writeCtx, cancel := context.WithTimeout(ctx, dispatchWriteTimeout)
			defer cancel()
			return nil, d.Writer.WriteMessages(writeCtx, msg)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxInterval = 2 * time.Second
	expBackoff.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("failed to dispatch task %d to Kafka: %w", task.ID, err)
	}
	log.Printf("Dispatcher: task ID %d published to topic %s", task.ID, d.Writer.Stats().Topic)
	return nil
}

// Close closes the underlying writer.
func (d *KafkaDispatcher) Close() error {
	return d.Writer.Close()
}
