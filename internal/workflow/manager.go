package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"vectorflow/internal/catalog"
	"vectorflow/internal/config"
	"vectorflow/internal/logging"
	"vectorflow/internal/notifications"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/queue"
	"vectorflow/internal/registry"
	"vectorflow/internal/stage"
	"vectorflow/internal/state"
)

// RunAggregator keeps run headers in step with their work items.
type RunAggregator interface {
	AggregateRun(ctx context.Context, runID string) (*pipeline.Run, error)
	FailDownstream(ctx context.Context, run *pipeline.Run, canonicalID, afterStage string) error
}

// Dependencies are the components a Manager drives.
type Dependencies struct {
	Queue    queue.Queue
	State    state.Store
	Registry registry.Store
	Stages   *stage.Registry
	Catalog  catalog.Catalog
	Runs     RunAggregator
	Notifier notifications.Service
	RunLogs  *logging.RunLogs
	Logger   *slog.Logger
}

// Manager leases work item messages and executes their stages on a bounded
// pool.
type Manager struct {
	cfg      *config.Config
	queue    queue.Queue
	state    state.Store
	registry registry.Store
	stages   *stage.Registry
	catalog  catalog.Catalog
	runs     RunAggregator
	notifier notifications.Service
	runLogs  *logging.RunLogs
	logger   *slog.Logger
	now      func() time.Time

	pool     *ants.Pool
	inflight *InFlight
	idle     chan struct{}

	batchSize       int
	pollInterval    time.Duration
	errorRetry      time.Duration
	stageTimeout    time.Duration
	errorVisibility time.Duration

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	tasks    sync.WaitGroup
	lastErr  error
	lastItem string
	counters counters
}

type counters struct {
	processed int64
	succeeded int64
	retried   int64
	failed    int64
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithClock overrides the time source used for execution records.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithPollInterval overrides workers.poll_interval.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithLeaseRenewInterval overrides workers.lease_renew_interval.
func WithLeaseRenewInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.inflight.interval = d
	}
}

// NewManager builds a manager whose pool holds workers.concurrency workers.
func NewManager(cfg *config.Config, deps Dependencies, opts ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("workflow: config is required")
	}
	if deps.Queue == nil || deps.State == nil || deps.Stages == nil || deps.Catalog == nil || deps.Runs == nil {
		return nil, fmt.Errorf("workflow: queue, state, stages, catalog and run aggregator are required")
	}
	size := cfg.Workers.Concurrency
	if size <= 0 {
		size = 1
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("workflow: create worker pool: %w", err)
	}
	logger := logging.NewComponentLogger(deps.Logger, "workflow")
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notifications.Noop()
	}
	batch := cfg.Workers.BatchSize
	if batch <= 0 {
		batch = size
	}
	m := &Manager{
		cfg:             cfg,
		queue:           deps.Queue,
		state:           deps.State,
		registry:        deps.Registry,
		stages:          deps.Stages,
		catalog:         deps.Catalog,
		runs:            deps.Runs,
		notifier:        notifier,
		runLogs:         deps.RunLogs,
		logger:          logger,
		now:             time.Now,
		pool:            pool,
		inflight:        NewInFlight(deps.Queue, logger, cfg.LeaseRenewInterval(), cfg.VisibilityTimeout()),
		idle:            make(chan struct{}, 1),
		batchSize:       batch,
		pollInterval:    secondsOr(cfg.Workers.PollInterval, time.Second),
		errorRetry:      secondsOr(cfg.Workers.ErrorRetryInterval, 5*time.Second),
		stageTimeout:    cfg.StageTimeout(),
		errorVisibility: cfg.ErrorVisibilityTimeout(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Close releases the worker pool. Call Stop first.
func (m *Manager) Close() {
	m.pool.Release()
}

func secondsOr(value int, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return time.Duration(value) * time.Second
}
