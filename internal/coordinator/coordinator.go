package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vectorflow/internal/catalog"
	"vectorflow/internal/logging"
	"vectorflow/internal/notifications"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/registry"
	"vectorflow/internal/services"
	"vectorflow/internal/state"
)

// ContentResolver enumerates a definition's content items.
type ContentResolver interface {
	Resolve(ctx context.Context, def pipeline.Definition) ([]pipeline.ContentItem, error)
}

// Submitter enqueues work item messages.
type Submitter interface {
	SubmitRequest(ctx context.Context, msg pipeline.WorkItemMessage) (string, error)
}

// SourceOptionDetectRemovals is the source option that turns registry removal
// detection off when set to "false".
const SourceOptionDetectRemovals = "detect_removals"

// Coordinator creates runs and keeps run headers in step with their work
// items.
type Coordinator struct {
	state      state.Store
	queue      Submitter
	registry   registry.Store
	resolver   ContentResolver
	catalog    catalog.Catalog
	notifier   notifications.Service
	runLogs    *logging.RunLogs
	logger     *slog.Logger
	now        func() time.Time
	instanceID string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithNotifier sets where run lifecycle events are published.
func WithNotifier(svc notifications.Service) Option {
	return func(c *Coordinator) {
		if svc != nil {
			c.notifier = svc
		}
	}
}

// WithRunLogs duplicates run-scoped log lines into per-run files.
func WithRunLogs(logs *logging.RunLogs) Option {
	return func(c *Coordinator) { c.runLogs = logs }
}

// WithInstanceID sets the instance used when a trigger context has none.
func WithInstanceID(id string) Option {
	return func(c *Coordinator) { c.instanceID = strings.TrimSpace(id) }
}

// New wires a coordinator. cat may be nil when runs are only created from
// explicit definitions.
func New(store state.Store, queue Submitter, reg registry.Store, resolver ContentResolver, cat catalog.Catalog, opts ...Option) *Coordinator {
	c := &Coordinator{
		state:    store,
		queue:    queue,
		registry: reg,
		resolver: resolver,
		catalog:  cat,
		notifier: notifications.Noop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewComponentLogger(c.logger, "coordinator")
	return c
}

// CreateRun starts a run of def: resolve parameters and content, drop content
// the registry already recorded (unless forced), persist the run with one
// work item per content item and stage, and enqueue the first stage.
//
// Errors match services.ErrValidation for bad triggers or parameters,
// services.ErrConflict when an active run has the same canonical id, and
// services.ErrInitialization when the state store rejects the run.
func (c *Coordinator) CreateRun(ctx context.Context, def pipeline.Definition, tc pipeline.TriggerContext) (*pipeline.Run, error) {
	if err := def.Validate(); err != nil {
		return nil, services.Wrap(services.ErrValidation, "coordinator", "create run", "invalid definition", err)
	}
	now := c.now().UTC()
	instanceID := strings.TrimSpace(tc.InstanceID)
	if instanceID == "" {
		instanceID = c.instanceID
	}

	var trig *pipeline.Trigger
	if name := strings.TrimSpace(tc.TriggerName); name != "" {
		found, ok := def.Trigger(name)
		if !ok {
			return nil, services.Wrap(services.ErrValidation, "coordinator", "create run",
				fmt.Sprintf("trigger %s does not exist in pipeline %s", name, def.Name), nil)
		}
		trig = &found
	}
	params, err := def.ResolveParameters(trig, tc.Parameters)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "coordinator", "resolve parameters", "", err)
	}

	run := &pipeline.Run{
		RunID:          pipeline.NewRunID(now),
		InstanceID:     instanceID,
		PipelineName:   def.Name,
		TriggerName:    tc.TriggerName,
		CanonicalRunID: pipeline.CanonicalRunID(def.Name, def.CanonicalParameters(params)),
		Parameters:     params,
		Force:          tc.Force,
		Status:         pipeline.RunStatusRunning,
		StartedAt:      now,
		Stages:         def.StageNames(),
		Version:        1,
	}
	ctx = services.WithRunID(services.WithPipeline(ctx, def.Name), run.RunID)
	logger := c.runLogger(ctx, run.RunID)

	existing, err := c.state.FindActiveRun(ctx, run.CanonicalRunID)
	if err != nil {
		return nil, fmt.Errorf("check active runs: %w", err)
	}
	if existing != nil {
		return nil, conflict(logger, run, existing)
	}

	items, err := c.changedContent(ctx, def, run.Force, now)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].RunID = run.RunID
	}

	if !c.state.InitializeRunState(ctx, run, items) {
		// Another process may have started the same canonical run since the
		// check above; the store's unique index rejected this one.
		if winner, err := c.state.FindActiveRun(ctx, run.CanonicalRunID); err == nil && winner != nil && winner.RunID != run.RunID {
			return nil, conflict(logger, run, winner)
		}
		failure := &services.InitializationFailure{RunID: run.RunID, Pipeline: def.Name}
		_ = c.notifier.Publish(ctx, notifications.EventRunInitializationFail, notifications.Payload{
			"pipeline": def.Name,
			"run_id":   run.RunID,
			"error":    failure.Error(),
		})
		return nil, failure
	}

	if len(items) == 0 {
		run.Complete(now, nil)
		run.Message = pipeline.NoChangedContentMessage
		if err := c.state.UpdateRun(ctx, run); err != nil {
			return nil, fmt.Errorf("complete empty run: %w", err)
		}
		logger.Info("run completed without work",
			logging.String(logging.FieldEventType, "run_empty"),
			logging.String("message", run.Message),
		)
		c.closeRunLog(run.RunID)
		return run, nil
	}

	logger.Info("run started",
		logging.String(logging.FieldEventType, "run_started"),
		logging.String(logging.FieldTrigger, run.TriggerName),
		logging.Int("content_items", len(items)),
		logging.Int("stages", len(run.Stages)),
		logging.Bool("force", run.Force),
	)
	_ = c.notifier.Publish(ctx, notifications.EventRunStarted, notifications.Payload{
		"pipeline": def.Name,
		"run_id":   run.RunID,
		"trigger":  run.TriggerName,
		"items":    len(items),
	})

	if failed := c.enqueueFirstStage(ctx, logger, run, items); failed > 0 {
		updated, err := c.AggregateRun(ctx, run.RunID)
		if err != nil {
			return nil, err
		}
		run = updated
	}
	return run, nil
}

func conflict(logger *slog.Logger, run, active *pipeline.Run) error {
	logger.Warn("run conflicts with an active run",
		logging.String("canonical_run_id", run.CanonicalRunID),
		logging.String("active_run_id", active.RunID),
		logging.String(logging.FieldEventType, "run_conflict"),
		logging.String(logging.FieldImpact, "run not started"),
	)
	return services.Wrap(services.ErrConflict, "coordinator", "create run",
		fmt.Sprintf("canonical run id %s is in use by active run %s", run.CanonicalRunID, active.RunID), nil)
}

// CreateRunByName looks up name in the catalog and creates a run of it.
func (c *Coordinator) CreateRunByName(ctx context.Context, name string, tc pipeline.TriggerContext) (*pipeline.Run, error) {
	if c.catalog == nil {
		return nil, services.Wrap(services.ErrConfiguration, "coordinator", "create run", "no pipeline catalog configured", nil)
	}
	def, err := c.catalog.Get(name)
	if err != nil {
		return nil, err
	}
	return c.CreateRun(ctx, def, tc)
}

func (c *Coordinator) changedContent(ctx context.Context, def pipeline.Definition, force bool, now time.Time) ([]pipeline.ContentItem, error) {
	items, err := c.resolver.Resolve(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("resolve content: %w", err)
	}
	changed, err := registry.FilterChanged(ctx, c.registry, def.Name, items, force)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "coordinator", "classify content", "registry lookup failed", err)
	}
	if c.registry == nil || strings.EqualFold(def.Source.Options[SourceOptionDetectRemovals], "false") {
		return changed, nil
	}
	entries, err := c.registry.Entries(ctx, def.Name)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "coordinator", "detect removals", "registry scan failed", err)
	}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		seen[item.CanonicalID] = struct{}{}
	}
	return append(changed, registry.Removals(entries, seen, now)...), nil
}

// enqueueFirstStage submits one message per content item. Items that cannot
// be queued are completed unsuccessfully along with their later stages; the
// number of such items is returned.
func (c *Coordinator) enqueueFirstStage(ctx context.Context, logger *slog.Logger, run *pipeline.Run, items []pipeline.ContentItem) int {
	first := run.FirstStage()
	failed := 0
	for _, item := range items {
		msg := pipeline.WorkItemMessage{
			WorkItemID: pipeline.WorkItemID(run.RunID, first, item.CanonicalID),
			RunID:      run.RunID,
		}
		if _, err := c.queue.SubmitRequest(ctx, msg); err != nil {
			failed++
			logging.WarnWithContext(logger, "work item could not be queued", "work_item_enqueue_failed",
				logging.String(logging.FieldWorkItemID, msg.WorkItemID),
				logging.String(logging.FieldStage, first),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
				logging.String(logging.FieldImpact, "content item recorded as failed"),
			)
			if err := c.failFrom(ctx, run.RunID, item.CanonicalID, 0, pipeline.ErrorNotQueued); err != nil {
				logger.Error("failed to record unqueued work item",
					logging.String(logging.FieldWorkItemID, msg.WorkItemID),
					logging.Error(err),
					logging.String(logging.FieldEventType, "work_item_status_failed"),
					logging.String(logging.FieldErrorHint, "check state database health"),
				)
			}
		}
	}
	return failed
}

// GetRun returns the run or an error matching services.ErrNotFound. A
// non-empty instanceID must match the run's instance.
func (c *Coordinator) GetRun(ctx context.Context, instanceID, runID string) (*pipeline.Run, error) {
	run, err := c.state.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil || (instanceID != "" && run.InstanceID != instanceID) {
		return nil, services.Wrap(services.ErrNotFound, "coordinator", "get run", "run "+runID+" does not exist", nil)
	}
	return run, nil
}

// ListRuns returns runs of instanceID matching filter.
func (c *Coordinator) ListRuns(ctx context.Context, instanceID string, filter state.RunFilter) ([]pipeline.Run, error) {
	filter.InstanceID = instanceID
	return c.state.ListRuns(ctx, filter)
}

// WorkItems returns the work items of a run, optionally narrowed to a stage.
func (c *Coordinator) WorkItems(ctx context.Context, instanceID, runID, stage string) ([]pipeline.WorkItemStatus, error) {
	if _, err := c.GetRun(ctx, instanceID, runID); err != nil {
		return nil, err
	}
	return c.state.WorkItemsForStage(ctx, runID, stage)
}

// Catalog returns the definitions catalog, which may be nil.
func (c *Coordinator) Catalog() catalog.Catalog { return c.catalog }

func (c *Coordinator) runLogger(ctx context.Context, runID string) *slog.Logger {
	logger := logging.WithContext(ctx, c.logger)
	if c.runLogs == nil {
		return logger
	}
	withFile, err := c.runLogs.For(logger, runID)
	if err != nil {
		logging.WarnWithContext(logger, "run log unavailable", "run_log_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "run events only reach the daemon log"),
		)
		return logger
	}
	return withFile
}

func (c *Coordinator) closeRunLog(runID string) {
	if c.runLogs != nil {
		_ = c.runLogs.Close(runID)
	}
}
