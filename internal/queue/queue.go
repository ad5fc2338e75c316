package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"vectorflow/internal/config"
	"vectorflow/internal/logging"
	"vectorflow/internal/pipeline"
)

const (
	// DefaultVisibilityTimeout is how long a leased message stays invisible.
	DefaultVisibilityTimeout = 30 * time.Second
	// DefaultMaxDequeueCount is the number of leases after which a message is
	// dead-lettered instead of delivered again.
	DefaultMaxDequeueCount = 10
)

// Queue hands work item messages to workers with at-least-once delivery.
//
// A received message stays invisible to other consumers until its lease
// expires. Consumers delete messages they finished and may extend leases of
// messages still in progress. Both operations require the pop receipt of the
// current lease and fail with services.ErrLeaseExpired once it is stale.
type Queue interface {
	HasRequests(ctx context.Context) (bool, error)
	SubmitRequest(ctx context.Context, msg pipeline.WorkItemMessage) (string, error)
	ReceiveRequests(ctx context.Context, count int) ([]pipeline.DequeuedMessage, error)
	DeleteRequest(ctx context.Context, messageID, popReceipt string) error
	ExtendLease(ctx context.Context, messageID, popReceipt string, visibility time.Duration) (string, error)
	Stats(ctx context.Context) (Stats, error)
	PendingWorkItems(ctx context.Context) (map[string]struct{}, error)
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	Close() error
}

// Stats summarizes queue depth.
type Stats struct {
	Visible      int `json:"visible"`
	Leased       int `json:"leased"`
	DeadLettered int `json:"dead_lettered"`
}

// Total returns the number of live messages.
func (s Stats) Total() int {
	return s.Visible + s.Leased
}

// DeadLetter is a message removed from circulation after exceeding the
// maximum dequeue count.
type DeadLetter struct {
	MessageID      string                   `json:"message_id"`
	Message        pipeline.WorkItemMessage `json:"message"`
	DequeueCount   int                      `json:"dequeue_count"`
	EnqueuedAt     time.Time                `json:"enqueued_at"`
	DeadLetteredAt time.Time                `json:"dead_lettered_at"`
	Reason         string                   `json:"reason"`
	Err            error                    `json:"-"`
}

// DeadLetterSink receives dead-lettered messages after they leave the queue.
type DeadLetterSink interface {
	DeadLettered(ctx context.Context, letter DeadLetter)
}

// DeadLetterSinkFunc adapts a function to DeadLetterSink.
type DeadLetterSinkFunc func(ctx context.Context, letter DeadLetter)

// DeadLettered calls f.
func (f DeadLetterSinkFunc) DeadLettered(ctx context.Context, letter DeadLetter) {
	f(ctx, letter)
}

// Option customizes a queue backend.
type Option func(*options)

type options struct {
	now             func() time.Time
	visibility      time.Duration
	maxDequeueCount int
	sinks           []DeadLetterSink
	logger          *slog.Logger
}

func defaultOptions() options {
	return options{
		now:             time.Now,
		visibility:      DefaultVisibilityTimeout,
		maxDequeueCount: DefaultMaxDequeueCount,
		logger:          logging.NewNop(),
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithClock injects the time source used for lease arithmetic.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithVisibilityTimeout sets the lease duration of received messages.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.visibility = d
		}
	}
}

// WithMaxDequeueCount sets how many leases a message may receive.
func WithMaxDequeueCount(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxDequeueCount = n
		}
	}
}

// WithDeadLetterSink registers a sink notified of dead-lettered messages.
func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(o *options) {
		if sink != nil {
			o.sinks = append(o.sinks, sink)
		}
	}
}

// WithLogger sets the logger used for dead-letter reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Open builds the backend selected by cfg.Queue.Backend. opts are applied
// after the configured visibility timeout and dequeue limit.
func Open(cfg *config.Config, opts ...Option) (Queue, error) {
	if cfg == nil {
		return nil, fmt.Errorf("queue: config is required")
	}
	base := []Option{
		WithVisibilityTimeout(cfg.VisibilityTimeout()),
		WithMaxDequeueCount(cfg.Queue.MaxDequeueCount),
	}
	opts = append(base, opts...)
	switch cfg.Queue.Backend {
	case config.QueueMemory:
		return NewMemory(opts...), nil
	case config.QueueSQLite, "":
		return OpenSQLite(cfg.QueuePath(), opts...)
	default:
		return nil, fmt.Errorf("queue: unsupported backend %q", cfg.Queue.Backend)
	}
}

func reportDeadLetters(ctx context.Context, o options, letters []DeadLetter) {
	for _, letter := range letters {
		o.logger.Warn("message dead-lettered",
			logging.String(logging.FieldEventType, "queue_dead_letter"),
			logging.String(logging.FieldMessageID, letter.MessageID),
			logging.String(logging.FieldWorkItemID, letter.Message.WorkItemID),
			logging.String(logging.FieldRunID, letter.Message.RunID),
			logging.Int("dequeue_count", letter.DequeueCount),
			logging.String("reason", letter.Reason),
		)
		for _, sink := range o.sinks {
			sink.DeadLettered(ctx, letter)
		}
	}
}
