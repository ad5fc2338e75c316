package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"vectorflow/internal/config"
	"vectorflow/internal/logging"
)

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Envelope is the JSON value written to Kafka.
type Envelope struct {
	Event      Event     `json:"event"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    Payload   `json:"payload"`
}

// KafkaPublisher writes lifecycle events to the events topic and dead-letter
// events to the dead-letter topic. Messages are keyed by run id so one run's
// events stay ordered within a partition.
type KafkaPublisher struct {
	events      MessageWriter
	deadLetters MessageWriter
	timeout     time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewKafka builds writers for the configured brokers and topics.
func NewKafka(cfg config.Kafka, logger *slog.Logger) *KafkaPublisher {
	newWriter := func(topic string) *kgo.Writer {
		return &kgo.Writer{
			Addr:         kgo.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kgo.Hash{},
			RequiredAcks: kgo.RequireOne,
		}
	}
	timeout := time.Duration(cfg.WriteTimeout) * time.Second
	var deadLetters MessageWriter
	if cfg.DeadLetterTopic != "" {
		deadLetters = newWriter(cfg.DeadLetterTopic)
	}
	return NewKafkaWithWriters(newWriter(cfg.EventsTopic), deadLetters, timeout, logger)
}

// NewKafkaWithWriters builds a publisher over existing writers. A nil
// deadLetters writer sends dead-letter events to the events writer.
func NewKafkaWithWriters(events, deadLetters MessageWriter, timeout time.Duration, logger *slog.Logger) *KafkaPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaPublisher{
		events:      events,
		deadLetters: deadLetters,
		timeout:     timeout,
		now:         time.Now,
		logger:      logging.NewComponentLogger(logger, "kafka"),
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, event Event, p Payload) error {
	if event == EventTest {
		return nil
	}
	env := Envelope{Event: event, OccurredAt: k.now().UTC(), Payload: p}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	writer := k.events
	if event == EventWorkItemDeadLettered && k.deadLetters != nil {
		writer = k.deadLetters
	}
	key := p.str("run_id")
	if key == "" {
		key = p.str("pipeline")
	}

	cctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := writer.WriteMessages(cctx, kgo.Message{Key: []byte(key), Value: value, Time: env.OccurredAt}); err != nil {
		return fmt.Errorf("publish %s event: %w", event, err)
	}
	k.logger.Debug("event published",
		logging.String("event", string(event)),
		logging.String(logging.FieldRunID, p.str("run_id")),
	)
	return nil
}

// Close flushes and closes the writers.
func (k *KafkaPublisher) Close() error {
	var errs []error
	if k.events != nil {
		errs = append(errs, k.events.Close())
	}
	if k.deadLetters != nil {
		errs = append(errs, k.deadLetters.Close())
	}
	return errors.Join(errs...)
}
