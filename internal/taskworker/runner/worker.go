package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"swallowtail/internal/taskqueue/events"
	"swallowtail/internal/taskworker/handlers"
	"swallowtail/pkg/validation"
)

const (
	DefaultKafkaBrokers = "localhost:9092"
	DefaultTaskTopic    = "task_execution_requests"
	DefaultGroupID      = "swallowtail-worker-group"
	DefaultResultTopic  = "task_results"

	DefaultConcurrency = 4
)

// Worker consumes dispatch payloads from Kafka, executes the handler for
// each task kind under the configured limits, and publishes results.
type Worker struct {
	Reader      *kafka.Reader
	Producer    *kafka.Writer
	Handlers    *handlers.Registry
	Limits      Limits
	Concurrency int
}

// NewWorker builds a worker from the environment (KAFKA_BROKERS,
// TASK_TOPIC, GROUP_ID, RESULT_TOPIC, WORKER_CONCURRENCY) with local
// defaults.
func NewWorker(registry *handlers.Registry) *Worker {
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		kafkaBrokers = DefaultKafkaBrokers
	}
	taskTopic := os.Getenv("TASK_TOPIC")
	if taskTopic == "" {
		taskTopic = DefaultTaskTopic
	}
	groupID := os.Getenv("GROUP_ID")
	if groupID == "" {
		groupID = DefaultGroupID
	}
	resultTopic := os.Getenv("RESULT_TOPIC")
	if resultTopic == "" {
		resultTopic = DefaultResultTopic
	}
	concurrency := DefaultConcurrency
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			concurrency = n
		} else {
			log.Printf("Worker: invalid WORKER_CONCURRENCY %q, using default %d", v, DefaultConcurrency)
		}
	}
	brokerList := strings.Split(kafkaBrokers, ",")

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokerList, GroupID: groupID, Topic: taskTopic,
		MinBytes: 10e3, MaxBytes: 10e6, CommitInterval: time.Second, MaxWait: 3 * time.Second,
	})
	producer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: brokerList, Topic: resultTopic, Balancer: &kafka.LeastBytes{},
		RequiredAcks: int(kafka.RequireOne),
		Async:        false,
	})
	log.Printf("Worker Kafka consumer configured for brokers: %s, topic: %s, groupID: %s", kafkaBrokers, taskTopic, groupID)
	log.Printf("Worker Kafka producer configured for results topic: %s", resultTopic)

	return &Worker{
		Reader:      reader,
		Producer:    producer,
		Handlers:    registry,
		Limits:      LimitsFromEnv(),
		Concurrency: concurrency,
	}
}

// Run consumes until the context is cancelled. Consumer goroutines share
// the reader; each message is executed inline in its consumer so that
// Concurrency bounds in-flight tasks.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.Concurrency; i++ {
		g.Go(func() error {
			return w.consumeLoop(gctx)
		})
	}
	return g.Wait()
}

func (w *Worker) consumeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			log.Println("Worker: context cancelled, exiting consume loop.")
			return nil
		default:
			readCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
			msg, err := w.Reader.ReadMessage(readCtx)
			cancel()

			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				continue
			}
			if errors.Is(err, io.EOF) {
				log.Println("Worker: Kafka reader closed (EOF), exiting.")
				return nil
			}
			if err != nil {
				log.Printf("Worker: Kafka read error: %v. Retrying...", err)
				time.Sleep(1 * time.Second)
				continue
			}
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg kafka.Message) {
	var payload events.TaskDispatchPayload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		log.Printf("Worker: unmarshal error for dispatch payload: %v. Value: %s", err, string(msg.Value))
		return
	}

	if payload.ParamSchema != "" {
		if err := validation.ValidateJSONWithSchema(payload.ParamSchema, payload.Params); err != nil {
			log.Printf("Worker: params validation failed for task ID %d: %v", payload.TaskID, err)
			w.sendResult(events.TaskResultPayload{
				TaskID:    payload.TaskID,
				Status:    "FAILED",
				Error:     fmt.Sprintf("parameter validation failed in worker: %s", err.Error()),
				Retryable: false,
			})
			return
		}
	}

	handler, err := w.Handlers.Get(payload.Kind)
	if err != nil {
		log.Printf("Worker: no handler for kind %q (task ID %d): %v", payload.Kind, payload.TaskID, err)
		w.sendResult(events.TaskResultPayload{
			TaskID:    payload.TaskID,
			Status:    "FAILED",
			Error:     err.Error(),
			Retryable: false,
		})
		return
	}

	result, execErr := Execute(ctx, handler, payload, w.Limits)
	if execErr != nil {
		log.Printf("Worker: task ID %d failed: %v", payload.TaskID, execErr)
	} else {
		log.Printf("Worker: task ID %d completed successfully.", payload.TaskID)
	}
	w.sendResult(Outcome(payload, result, execErr))
}

func (w *Worker) sendResult(resultPayload events.TaskResultPayload) {
	payloadBytes, err := json.Marshal(resultPayload)
	if err != nil {
		log.Printf("Worker: error marshalling result payload for task ID %d: %v", resultPayload.TaskID, err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(resultPayload.TaskID), 10)),
		Value: payloadBytes,
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.Producer.WriteMessages(writeCtx, msg); err != nil {
		log.Printf("Worker: error sending result for task ID %d to Kafka: %v", resultPayload.TaskID, err)
	} else {
		log.Printf("Worker: sent result for task ID %d to topic %s", resultPayload.TaskID, w.Producer.Stats().Topic)
	}
}

// Close closes the reader and producer.
func (w *Worker) Close() {
	if err := w.Reader.Close(); err != nil {
		log.Printf("Worker: error closing Kafka reader: %v", err)
	}
	if err := w.Producer.Close(); err != nil {
		log.Printf("Worker: error closing Kafka producer: %v", err)
	}
}
