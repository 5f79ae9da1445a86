package events

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBrokers    = "localhost:9092"
	DefaultTaskStatusTopic = "task_status_events"
	statusWriteTimeout     = 5 * time.Second
)

// Notifier broadcasts task status transitions. Implementations must be
// non-blocking from the caller's point of view and must never return an
// error that affects task state.
type Notifier interface {
	NotifyStatus(event TaskStatusEvent)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) NotifyStatus(TaskStatusEvent) {}

// KafkaNotifier publishes status events to a Kafka topic, fire-and-forget.
type KafkaNotifier struct {
	Writer *kafka.Writer
}

// NewKafkaNotifier builds a notifier from KAFKA_BROKERS and
// TASK_STATUS_TOPIC, with the usual local defaults.
func NewKafkaNotifier() *KafkaNotifier {
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		kafkaBrokers = DefaultKafkaBrokers
	}
	statusTopic := os.Getenv("TASK_STATUS_TOPIC")
	if statusTopic == "" {
		statusTopic = DefaultTaskStatusTopic
	}
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      strings.Split(kafkaBrokers, ","),
		Topic:        statusTopic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: int(kafka.RequireOne),
		Async:        true,
	})
	log.Printf("Status notifier configured for topic: %s", statusTopic)
	return &KafkaNotifier{Writer: writer}
}

// NotifyStatus publishes the event in the background. Failures are logged
// and dropped; a notification must never affect the task transition that
// produced it.
func (n *KafkaNotifier) NotifyStatus(event TaskStatusEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Notifier: error marshalling status event for task ID %d: %v", event.TaskID, err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
		defer cancel()
		msg := kafka.Message{
			Key:   []byte(strconv.FormatUint(uint64(event.TaskID), 10)),
			Value: payload,
		}
		if err := n.Writer.WriteMessages(ctx, msg); err != nil {
			log.Printf("Notifier: dropped status event for task ID %d: %v", event.TaskID, err)
		}
	}()
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.Writer.Close()
}
