package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"vectorflow/internal/catalog"
	"vectorflow/internal/logging"
	"vectorflow/internal/pipeline"
)

const (
	// DefaultTickInterval is how often schedules are evaluated.
	DefaultTickInterval = time.Minute
	// DefaultRefreshInterval is how often definitions are re-read.
	DefaultRefreshInterval = 5 * time.Minute
)

// RunCreator starts runs for due triggers.
type RunCreator interface {
	CreateRun(ctx context.Context, def pipeline.Definition, tc pipeline.TriggerContext) (*pipeline.Run, error)
}

// EntryState tracks one pipeline and trigger pair through a tick.
type EntryState string

const (
	StateIdle   EntryState = "idle"
	StateDue    EntryState = "due"
	StateFiring EntryState = "firing"
)

type entry struct {
	info     pipeline.ScheduledPipelineInfo
	schedule Schedule
	state    EntryState
}

// Scheduler evaluates schedule triggers of every cataloged pipeline and asks
// the RunCreator for a run when one is due. A pair fires at most once per
// UTC minute; occurrences missed while the scheduler was down are not
// replayed.
type Scheduler struct {
	catalog    catalog.Catalog
	creator    RunCreator
	logger     *slog.Logger
	now        func() time.Time
	tick       time.Duration
	refresh    time.Duration
	instanceID string

	mu          sync.Mutex
	entries     map[string]*entry
	lastRefresh time.Time
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source used by the background loop.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval sets the evaluation cadence.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithRefreshInterval sets how often the catalog is reloaded.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.refresh = d
		}
	}
}

// WithInstanceID stamps created runs with an instance id.
func WithInstanceID(id string) Option {
	return func(s *Scheduler) { s.instanceID = id }
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New constructs a scheduler over cat.
func New(cat catalog.Catalog, creator RunCreator, opts ...Option) *Scheduler {
	s := &Scheduler{
		catalog: cat,
		creator: creator,
		now:     time.Now,
		tick:    DefaultTickInterval,
		refresh: DefaultRefreshInterval,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "scheduler")
	return s
}

// Refresh reloads the catalog and rebuilds the schedule cache from enabled
// definitions. Surviving
// pairs keep their LastExecutionTime; pairs whose schedule changed get a new
// NextRunTime. New pairs start from now minus one tick so an occurrence that
// just elapsed fires once.
func (s *Scheduler) Refresh(ctx context.Context, now time.Time) error {
	reloadErr := s.catalog.Reload(ctx)
	if reloadErr != nil {
		s.logger.Warn("definition reload failed; using previous definitions",
			logging.Error(reloadErr),
			logging.String(logging.FieldEventType, "scheduler_refresh_failed"),
			logging.String(logging.FieldErrorHint, "check pipeline definition files"),
			logging.String(logging.FieldImpact, "schedule changes are not picked up"),
		)
	}
	defs := s.catalog.List()

	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]*entry)
	for _, def := range defs {
		if def.Disabled {
			continue
		}
		for _, trig := range def.Triggers {
			if trig.Type != pipeline.TriggerSchedule {
				continue
			}
			key := pipeline.CacheKey(def.Name, trig.Name)
			sched, err := ParseSchedule(trig.Schedule)
			if err != nil {
				s.logger.Warn("schedule trigger skipped",
					logging.String(logging.FieldPipeline, def.Name),
					logging.String(logging.FieldTrigger, trig.Name),
					logging.Error(err),
					logging.String(logging.FieldEventType, "schedule_invalid"),
					logging.String(logging.FieldImpact, "trigger never fires"),
				)
				continue
			}
			e := &entry{
				info: pipeline.ScheduledPipelineInfo{
					Pipeline: def.Name,
					Trigger:  trig.Name,
					Schedule: trig.Schedule,
				},
				schedule: sched,
				state:    StateIdle,
			}
			if prior, ok := s.entries[key]; ok {
				e.info.LastExecutionTime = prior.info.LastExecutionTime
				if prior.info.Schedule == trig.Schedule {
					e.info.NextRunTime = prior.info.NextRunTime
				}
			}
			if e.info.NextRunTime.IsZero() {
				e.info.NextRunTime = sched.Next(now.Add(-s.tick))
			}
			next[key] = e
		}
	}
	for key := range s.entries {
		if _, ok := next[key]; !ok {
			s.logger.Debug("schedule trigger removed", logging.String("key", key))
		}
	}
	s.entries = next
	s.lastRefresh = now
	return reloadErr
}

// Tick fires every due pair and returns the keys it fired. The catalog is
// refreshed first when the refresh interval elapsed.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	stale := s.lastRefresh.IsZero() || now.Sub(s.lastRefresh) >= s.refresh
	s.mu.Unlock()
	if stale {
		_ = s.Refresh(ctx, now)
	}

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.info.NextRunTime.IsZero() || now.Before(e.info.NextRunTime) {
			continue
		}
		if sameMinute(e.info.LastExecutionTime, now) {
			e.info.NextRunTime = e.schedule.Next(now)
			continue
		}
		e.state = StateDue
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].info.Key() < due[j].info.Key() })
	for _, e := range due {
		e.state = StateFiring
	}
	s.mu.Unlock()

	fired := make([]string, 0, len(due))
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		s.fire(ctx, e.info, now)
		s.mu.Lock()
		e.info.LastExecutionTime = now
		e.info.NextRunTime = e.schedule.Next(now)
		e.state = StateIdle
		s.mu.Unlock()
		fired = append(fired, e.info.Key())
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, info pipeline.ScheduledPipelineInfo, now time.Time) {
	logger := s.logger.With(
		logging.String(logging.FieldPipeline, info.Pipeline),
		logging.String(logging.FieldTrigger, info.Trigger),
	)
	def, err := s.catalog.Get(info.Pipeline)
	if err != nil {
		logger.Warn("scheduled pipeline no longer defined",
			logging.Error(err),
			logging.String(logging.FieldEventType, "schedule_pipeline_missing"),
			logging.String(logging.FieldImpact, "run skipped"),
		)
		return
	}
	run, err := s.creator.CreateRun(ctx, def, pipeline.TriggerContext{
		InstanceID:  s.instanceID,
		TriggerName: info.Trigger,
		RequestedAt: now,
	})
	if err != nil {
		attrs := append([]logging.Attr{
			logging.String(logging.FieldEventType, "scheduled_run_failed"),
			logging.String(logging.FieldImpact, "trigger waits for its next occurrence"),
		}, logging.ErrorAttrs(err)...)
		logger.Error("scheduled run could not be created", logging.Args(attrs...)...)
		return
	}
	logger.Info("scheduled run created",
		logging.String(logging.FieldRunID, run.RunID),
		logging.String(logging.FieldEventType, "scheduled_run_created"),
		logging.String("status", string(run.Status)),
	)
}

// Snapshot returns the cached pairs ordered by key.
func (s *Scheduler) Snapshot() []pipeline.ScheduledPipelineInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.ScheduledPipelineInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// State returns the state of a pair, or false when it is not cached.
func (s *Scheduler) State(pipelineName, triggerName string) (EntryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pipeline.CacheKey(pipelineName, triggerName)]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Start runs Tick on the tick interval until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.loop(runCtx)
	return nil
}

// Stop terminates the loop and waits for an in-progress tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx, s.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}
