package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"vectorflow/internal/catalog"
	"vectorflow/internal/config"
	"vectorflow/internal/contentsource"
	"vectorflow/internal/coordinator"
	"vectorflow/internal/daemon"
	"vectorflow/internal/logging"
	"vectorflow/internal/notifications"
	"vectorflow/internal/preflight"
	"vectorflow/internal/queue"
	"vectorflow/internal/registry"
	"vectorflow/internal/stage"
	"vectorflow/internal/state"
	"vectorflow/internal/trigger"
	"vectorflow/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// LogLevel overrides logging.level when set.
	LogLevel string
	// Plugins registers stage handlers in addition to the built-in ones.
	Plugins map[string]stage.Handler
	// Logger replaces the logger built from configuration.
	Logger *slog.Logger
}

// Runtime holds every component of a wired daemon process.
type Runtime struct {
	Config      *config.Config
	Logger      *slog.Logger
	Queue       queue.Queue
	State       state.Store
	Registry    registry.Store
	Catalog     catalog.Catalog
	Stages      *stage.Registry
	Coordinator *coordinator.Coordinator
	Workflow    *workflow.Manager
	Scheduler   *trigger.Scheduler
	Daemon      *daemon.Daemon
	Notifier    notifications.Service
	RunLogs     *logging.RunLogs
	Checks      []preflight.Result

	closers []func() error
}

// Run starts the vectorflow daemon and blocks until ctx is cancelled or the
// process receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := Build(signalCtx, cfg, opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Daemon.Start(signalCtx); err != nil {
		logging.ErrorWithContext(rt.Logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check for another running daemon and the data directory lock"),
			logging.String(logging.FieldImpact, "no work items are processed"),
		)
		return err
	}

	<-signalCtx.Done()
	rt.Logger.Info("vectorflow daemon shutting down",
		logging.String(logging.FieldEventType, "daemon_shutdown"),
	)
	rt.Daemon.Stop()
	return nil
}

// Build wires every component in dependency order without starting any
// background loop. Callers own the returned runtime and must Close it.
func Build(ctx context.Context, cfg *config.Config, opts Options) (rt *Runtime, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if lvl := strings.TrimSpace(opts.LogLevel); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	rt = &Runtime{Config: cfg}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	rt.Logger = opts.Logger
	if rt.Logger == nil {
		rt.Logger, err = logging.NewFromConfig(cfg)
		if err != nil {
			return rt, fmt.Errorf("init logger: %w", err)
		}
	}
	logger := rt.Logger

	rt.Notifier = notifications.Logged(notifications.NewService(cfg, logger), logger)
	rt.onClose(func() error { return notifications.Close(rt.Notifier) })
	rt.RunLogs = logging.NewRunLogs(filepath.Join(cfg.Paths.LogDir, "runs"), cfg.Logging.Level)
	rt.onClose(rt.RunLogs.CloseAll)

	store, err := state.Open(cfg.StatePath(), state.WithLogger(logger))
	if err != nil {
		logger.Error("open state store", logging.Error(err))
		return rt, err
	}
	rt.State = store
	rt.onClose(store.Close)

	rt.Registry, err = registry.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open content registry", logging.Error(err))
		return rt, err
	}
	rt.onClose(rt.Registry.Close)

	rt.Catalog, err = catalog.OpenDir(ctx, cfg.Paths.DefinitionsDir, logger)
	if err != nil {
		return rt, fmt.Errorf("load pipeline definitions: %w", err)
	}

	rt.Stages, err = registerStages(opts.Plugins)
	if err != nil {
		return rt, err
	}
	if err := rt.Stages.Validate(rt.Catalog.List()); err != nil {
		return rt, fmt.Errorf("validate stage plugins: %w", err)
	}
	if err := trigger.ValidateDefinitions(rt.Catalog.List()); err != nil {
		return rt, fmt.Errorf("validate triggers: %w", err)
	}

	// The dead-letter handler needs the coordinator, which needs the queue.
	var deadLetters *workflow.DeadLetterHandler
	relay := queue.DeadLetterSinkFunc(func(ctx context.Context, letter queue.DeadLetter) {
		if deadLetters != nil {
			deadLetters.DeadLettered(ctx, letter)
		}
	})
	rt.Queue, err = queue.Open(cfg, queue.WithDeadLetterSink(relay), queue.WithLogger(logging.NewComponentLogger(logger, "queue")))
	if err != nil {
		logger.Error("open queue", logging.Error(err))
		return rt, err
	}
	rt.onClose(rt.Queue.Close)

	rt.Coordinator = coordinator.New(rt.State, rt.Queue, rt.Registry, contentsource.NewResolver(logger), rt.Catalog,
		coordinator.WithLogger(logger),
		coordinator.WithNotifier(rt.Notifier),
		coordinator.WithRunLogs(rt.RunLogs),
		coordinator.WithInstanceID(cfg.API.InstanceID),
	)
	deadLetters = workflow.NewDeadLetterHandler(rt.State, rt.Coordinator, rt.Notifier, logger)

	rt.Workflow, err = workflow.NewManager(cfg, workflow.Dependencies{
		Queue:    rt.Queue,
		State:    rt.State,
		Registry: rt.Registry,
		Stages:   rt.Stages,
		Catalog:  rt.Catalog,
		Runs:     rt.Coordinator,
		Notifier: rt.Notifier,
		RunLogs:  rt.RunLogs,
		Logger:   logger,
	})
	if err != nil {
		return rt, err
	}
	rt.onClose(func() error { rt.Workflow.Close(); return nil })

	deps := daemon.Dependencies{
		Queue:    rt.Queue,
		Runs:     rt.Coordinator,
		Workflow: rt.Workflow,
		Logger:   logger,
	}
	if cfg.Scheduler.Enabled {
		rt.Scheduler = trigger.New(rt.Catalog, rt.Coordinator,
			trigger.WithTickInterval(cfg.TickInterval()),
			trigger.WithRefreshInterval(cfg.RefreshInterval()),
			trigger.WithInstanceID(cfg.API.InstanceID),
			trigger.WithLogger(logger),
		)
		deps.Scheduler = rt.Scheduler
	}

	rt.Checks = preflight.RunAll(ctx, cfg, rt.Stages)
	logPreflight(logger, rt.Checks)
	deps.Checks = rt.Checks

	rt.Daemon, err = daemon.New(cfg, deps)
	if err != nil {
		return rt, fmt.Errorf("create daemon: %w", err)
	}
	rt.onClose(rt.Daemon.Close)

	logger.Info("daemon wired",
		logging.String(logging.FieldEventType, "daemon_wired"),
		logging.String(logging.FieldInstanceID, cfg.API.InstanceID),
		logging.Int("pipelines", len(rt.Catalog.List())),
		logging.Any("stage_plugins", rt.Stages.Names()),
		logging.String("queue_backend", backendName(cfg.Queue.Backend, config.QueueSQLite)),
		logging.String("registry_backend", backendName(cfg.Registry.Backend, config.RegistryBadger)),
		logging.Bool("kafka_enabled", cfg.KafkaEnabled()),
		logging.Int("pid", os.Getpid()),
	)
	return rt, nil
}

// Close releases components in reverse construction order.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func (rt *Runtime) onClose(fn func() error) {
	rt.closers = append(rt.closers, fn)
}

func registerStages(plugins map[string]stage.Handler) (*stage.Registry, error) {
	reg := stage.NewRegistry()
	for name, handler := range plugins {
		if err := reg.Register(name, handler); err != nil {
			return nil, fmt.Errorf("register stage plugin %q: %w", name, err)
		}
	}
	return reg, nil
}

func logPreflight(logger *slog.Logger, results []preflight.Result) {
	for _, r := range results {
		if r.Passed {
			logger.Debug("preflight check passed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
			)
			continue
		}
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldImpact, "dependent features may fail at runtime"),
		)
	}
}

func backendName(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
