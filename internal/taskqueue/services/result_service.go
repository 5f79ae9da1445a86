package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	taskDB "swallowtail/internal/taskqueue/db"
	"swallowtail/internal/taskqueue/events"
	"swallowtail/internal/taskqueue/store"
)

const (
	DefaultKafkaBrokers  = "localhost:9092"
	DefaultResultTopic   = "task_results"
	DefaultResultGroupID = "swallowtail-results-group"
)

// ResultService consumes worker results from Kafka and turns them into
// TaskStore transitions. Delivery is at-least-once, so duplicate results
// are expected and absorbed by the store's idempotent Complete/Fail.
type ResultService struct {
	Store  *store.TaskStore
	Reader *kafka.Reader
}

// NewResultService builds the consumer from KAFKA_BROKERS, RESULT_TOPIC and
// RESULT_GROUP_ID with local defaults.
func NewResultService(taskStore *store.TaskStore) *ResultService {
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		kafkaBrokers = DefaultKafkaBrokers
	}
	resultTopic := os.Getenv("RESULT_TOPIC")
	if resultTopic == "" {
		resultTopic = DefaultResultTopic
	}
	groupID := os.Getenv("RESULT_GROUP_ID")
	if groupID == "" {
		groupID = DefaultResultGroupID
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(kafkaBrokers, ","), GroupID: groupID, Topic: resultTopic,
		MinBytes: 10e3, MaxBytes: 10e6, CommitInterval: time.Second, MaxWait: 3 * time.Second,
	})
	log.Printf("Result consumer configured for topic: %s, groupID: %s", resultTopic, groupID)
	return &ResultService{Store: taskStore, Reader: reader}
}

// StartConsuming launches the consume loop in the background.
func (s *ResultService) StartConsuming(ctx context.Context) {
	log.Println("ResultService starting to consume task results...")
	go func() {
		for {
			select {
			case <-ctx.Done():
				log.Println("ResultService: context cancelled, stopping consumer.")
				return
			default:
				readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				msg, err := s.Reader.ReadMessage(readCtx)
				cancel()

				if errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				if errors.Is(err, context.Canceled) {
					log.Println("ResultService: read context cancelled.")
					return
				}
				if errors.Is(err, io.EOF) {
					log.Println("ResultService: Kafka reader closed (EOF), stopping consumption.")
					return
				}
				if err != nil {
					log.Printf("ResultService: error reading message: %v", err)
					time.Sleep(1 * time.Second)
					continue
				}
				s.Apply(msg.Value)
			}
		}
	}()
}

// Apply records one result payload against the store. Unknown tasks and
// invalid transitions are logged, never fatal: the consumer must keep
// draining regardless of what a worker sent.
func (s *ResultService) Apply(raw []byte) {
	var payload events.TaskResultPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("ResultService: error unmarshalling result payload: %v. Value: %s", err, string(raw))
		return
	}

	switch payload.Status {
	case taskDB.StatusCompleted:
		if err := s.Store.Complete(payload.TaskID, payload.Result); err != nil {
			log.Printf("ResultService: failed to complete task ID %d: %v", payload.TaskID, err)
			return
		}
		log.Printf("ResultService: task ID %d completed.", payload.TaskID)
	case taskDB.StatusFailed:
		if err := s.Store.Fail(payload.TaskID, payload.Error, payload.Retryable); err != nil {
			log.Printf("ResultService: failed to record failure for task ID %d: %v", payload.TaskID, err)
			return
		}
		log.Printf("ResultService: task ID %d failure recorded (retryable=%t).", payload.TaskID, payload.Retryable)
	default:
		log.Printf("ResultService: unknown result status %q for task ID %d, ignoring.", payload.Status, payload.TaskID)
	}
}

// Close closes the Kafka reader.
func (s *ResultService) Close() {
	if s.Reader != nil {
		log.Println("ResultService: closing Kafka reader.")
		s.Reader.Close()
	}
}
