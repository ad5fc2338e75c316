package notifications

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vectorflow/internal/config"
	"vectorflow/internal/logging"
)

// Event identifies an orchestration milestone.
type Event string

const (
	EventRunStarted            Event = "run_started"
	EventRunCompleted          Event = "run_completed"
	EventRunInitializationFail Event = "run_initialization_failed"
	EventWorkItemFailed        Event = "work_item_failed"
	EventWorkItemDeadLettered  Event = "work_item_dead_lettered"
	EventTest                  Event = "test"
)

// Payload carries event details. Keys used by the built-in formatters:
// pipeline, run_id, trigger, status, message, items, failed, stage,
// work_item_id, canonical_id, error and dequeue_count.
type Payload map[string]any

// Service defines the notification surface exposed to orchestration
// components.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds the notifiers enabled in cfg: ntfy when a topic is set
// and Kafka when brokers are configured. With neither, a noop implementation
// is returned.
func NewService(cfg *config.Config, logger *slog.Logger) Service {
	if cfg == nil {
		return noopService{}
	}
	var services []Service
	if topic := strings.TrimSpace(cfg.Notifications.NtfyTopic); topic != "" {
		timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		services = append(services, &ntfyService{
			endpoint: topic,
			client:   &http.Client{Timeout: timeout},
			enabled:  ntfyFilter(cfg.Notifications),
		})
	}
	if cfg.KafkaEnabled() {
		services = append(services, NewKafka(cfg.Kafka, logger))
	}
	switch len(services) {
	case 0:
		return noopService{}
	case 1:
		return services[0]
	default:
		return Multi(services...)
	}
}

// Close releases transports held by svc.
func Close(svc Service) error {
	if closer, ok := svc.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Logged wraps svc so publish failures are logged instead of returned.
// Notifications never fail the operation that emitted them.
func Logged(svc Service, logger *slog.Logger) Service {
	if svc == nil {
		svc = noopService{}
	}
	return &loggedService{next: svc, logger: logging.NewComponentLogger(logger, "notifications")}
}

type loggedService struct {
	next   Service
	logger *slog.Logger
}

func (l *loggedService) Publish(ctx context.Context, event Event, payload Payload) error {
	if err := l.next.Publish(ctx, event, payload); err != nil {
		logger := logging.WithContext(ctx, l.logger)
		logging.WarnWithContext(logger, "notification delivery failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check ntfy topic and Kafka brokers"),
			logging.String(logging.FieldImpact, "operators are not alerted for this event"),
		)
	}
	return nil
}

func (l *loggedService) Close() error { return Close(l.next) }

// Multi publishes every event to each service.
func Multi(services ...Service) Service {
	return multiService(services)
}

type multiService []Service

func (m multiService) Publish(ctx context.Context, event Event, payload Payload) error {
	var errs []error
	for _, svc := range m {
		if err := svc.Publish(ctx, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiService) Close() error {
	var errs []error
	for _, svc := range m {
		if err := Close(svc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }

// Noop returns a service that drops every event.
func Noop() Service { return noopService{} }
