package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"vectorflow/internal/api"
	"vectorflow/internal/config"
	"vectorflow/internal/fileutil"
	"vectorflow/internal/logging"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/preflight"
	"vectorflow/internal/queue"
	"vectorflow/internal/workflow"
)

// Workflow is the stage runner lifecycle the daemon drives.
type Workflow interface {
	Start(ctx context.Context) error
	Stop()
	Status(ctx context.Context) workflow.StatusSummary
}

// Scheduler is the trigger scheduler lifecycle the daemon drives.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop()
	Snapshot() []pipeline.ScheduledPipelineInfo
}

// Dependencies are the components a Daemon exposes. Scheduler may be nil
// when scheduling is disabled.
type Dependencies struct {
	Queue     queue.Queue
	Runs      api.RunBackend
	Workflow  Workflow
	Scheduler Scheduler
	Checks    []preflight.Result
	Logger    *slog.Logger
}

// Daemon coordinates background processing and enforces single-instance
// execution per data directory.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	queue     queue.Queue
	runs      *api.RunService
	workflow  Workflow
	scheduler Scheduler
	checks    []preflight.Result

	lockPath string
	lock     *flock.Flock
	pidPath  string
	api      *apiServer

	lifecycle sync.Mutex
	running   atomic.Bool
	startedAt atomic.Int64
	cancel    context.CancelFunc
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, deps Dependencies) (*Daemon, error) {
	if cfg == nil || deps.Queue == nil || deps.Runs == nil || deps.Workflow == nil {
		return nil, errors.New("daemon requires config, queue, run backend, and workflow manager")
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(deps.Logger, "daemon"),
		queue:     deps.Queue,
		runs:      api.NewRunService(deps.Runs),
		workflow:  deps.Workflow,
		scheduler: deps.Scheduler,
		checks:    deps.Checks,
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
		pidPath:   cfg.PIDPath(),
	}
	d.api = newAPIServer(cfg, d, d.logger)
	return d, nil
}

// Start acquires the daemon lock and launches the stage runner, the
// scheduler and the HTTP API.
func (d *Daemon) Start(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another vectorflow daemon instance is already running")
	}
	if err := writePIDFile(d.pidPath); err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("write pid file: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	rollback := func() {
		cancel()
		_ = os.Remove(d.pidPath)
		_ = d.lock.Unlock()
	}

	if err := d.workflow.Start(runCtx); err != nil {
		rollback()
		return fmt.Errorf("start workflow: %w", err)
	}
	if d.scheduler != nil {
		if err := d.scheduler.Start(runCtx); err != nil {
			d.workflow.Stop()
			rollback()
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	if err := d.api.start(runCtx); err != nil {
		if d.scheduler != nil {
			d.scheduler.Stop()
		}
		d.workflow.Stop()
		rollback()
		return err
	}

	d.cancel = cancel
	d.startedAt.Store(time.Now().UnixNano())
	d.running.Store(true)
	d.logger.Info("vectorflow daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldInstanceID, d.cfg.API.InstanceID),
		logging.Bool("scheduler_enabled", d.scheduler != nil),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if !d.running.Load() {
		return
	}

	d.api.stop()
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	d.workflow.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := os.Remove(d.pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("failed to remove pid file", logging.Error(err))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("vectorflow daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stopped"),
	)
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// Running reports whether Start succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Addr returns the address the HTTP API listens on, or "" when it is not
// serving.
func (d *Daemon) Addr() string {
	return d.api.addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	status := api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		InstanceID:   d.cfg.API.InstanceID,
		QueueDBPath:  d.cfg.QueuePath(),
		StateDBPath:  d.cfg.StatePath(),
		LockFilePath: d.lockPath,
		Workflow:     api.FromStatusSummary(d.workflow.Status(ctx)),
		Schedules:    []api.ScheduleEntry{},
		Checks:       api.FromPreflight(d.checks),
	}
	if started := d.startedAt.Load(); started > 0 {
		status.StartedAt = time.Unix(0, started).UTC().Format(time.RFC3339)
	}
	if d.scheduler != nil {
		status.Schedules = api.FromSchedules(d.scheduler.Snapshot())
	}
	return status
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return fileutil.WriteFileAtomic(path, []byte(value), 0o644)
}
