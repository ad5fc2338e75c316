package coordinator_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"vectorflow/internal/catalog"
	"vectorflow/internal/contentsource"
	"vectorflow/internal/coordinator"
	"vectorflow/internal/notifications"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/queue"
	"vectorflow/internal/registry"
	"vectorflow/internal/services"
	"vectorflow/internal/state"
	"vectorflow/internal/testsupport"
)

var (
	t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func docsDefinition(items ...pipeline.SourceItem) pipeline.Definition {
	return pipeline.Definition{
		Name: "docs",
		Stages: []pipeline.StageDefinition{
			{Name: "chunk", Plugin: "passthrough"},
			{Name: "embed", Plugin: "passthrough"},
		},
		Triggers: []pipeline.Trigger{
			{Name: "nightly", Type: pipeline.TriggerSchedule, Schedule: "0 2 * * *"},
			{Name: "manual", Type: pipeline.TriggerManual},
		},
		Parameters: []pipeline.ParameterDefinition{
			{Name: "tenant", Required: true, Canonical: true},
			{Name: "batch", Default: 10},
		},
		Source: pipeline.SourceSpec{Type: contentsource.TypeStatic, Items: items},
	}
}

func defaultItems() []pipeline.SourceItem {
	return []pipeline.SourceItem{
		{CanonicalID: "a.md", Action: "updated", LastModifiedAt: t1.Format(time.RFC3339)},
		{CanonicalID: "b.md", Action: "updated", LastModifiedAt: t1.Format(time.RFC3339)},
		{CanonicalID: "c.md", Action: "updated", LastModifiedAt: t0.Format(time.RFC3339)},
	}
}

type recordingNotifier struct {
	events []notifications.Event
}

func (r *recordingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	r.events = append(r.events, event)
	return nil
}

type env struct {
	store    *state.SQLiteStore
	queue    queue.Queue
	registry *registry.MemoryStore
	notifier *recordingNotifier
	coord    *coordinator.Coordinator
}

func newEnv(t *testing.T, submitter coordinator.Submitter, defs ...pipeline.Definition) *env {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	e := &env{
		store:    testsupport.MustOpenState(t, cfg),
		queue:    testsupport.MustOpenQueue(t, cfg),
		registry: registry.NewMemory(),
		notifier: &recordingNotifier{},
	}
	cat, err := catalog.NewStatic(defs...)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	if submitter == nil {
		submitter = e.queue
	}
	e.coord = coordinator.New(e.store, submitter, e.registry, contentsource.NewResolver(nil), cat,
		coordinator.WithClock(func() time.Time { return t1.Add(time.Minute) }),
		coordinator.WithNotifier(e.notifier),
		coordinator.WithInstanceID("inst-1"),
	)
	return e
}

func manual(params map[string]any) pipeline.TriggerContext {
	return pipeline.TriggerContext{TriggerName: "manual", Parameters: params}
}

func TestCreateRunSkipsUnchangedContent(t *testing.T) {
	def := docsDefinition(defaultItems()...)
	e := newEnv(t, nil, def)
	ctx := context.Background()
	if err := e.registry.Upsert(ctx, "docs", pipeline.RegistryEntry{CanonicalID: "c.md", LastContentAction: "updated", LastModifiedAt: t0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	run, err := e.coord.CreateRunByName(ctx, "docs", manual(map[string]any{"tenant": "acme"}))
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != pipeline.RunStatusRunning {
		t.Fatalf("status = %s, want running", run.Status)
	}
	if run.InstanceID != "inst-1" {
		t.Fatalf("instance = %q", run.InstanceID)
	}
	if run.ItemCount != 2 {
		t.Fatalf("item count = %d, want 2", run.ItemCount)
	}
	if run.Parameters["batch"] != 10 {
		t.Fatalf("default parameter not applied: %#v", run.Parameters)
	}
	if want := pipeline.CanonicalRunID("docs", map[string]any{"tenant": "acme"}); run.CanonicalRunID != want {
		t.Fatalf("canonical run id = %q, want %q", run.CanonicalRunID, want)
	}

	items, err := e.store.WorkItemsForStage(ctx, run.RunID, "")
	if err != nil {
		t.Fatalf("WorkItemsForStage: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 4 work items, got %d", len(items))
	}
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Visible != 2 {
		t.Fatalf("expected 2 queued messages, got %+v", stats)
	}
	msgs, err := e.queue.ReceiveRequests(ctx, 10)
	if err != nil {
		t.Fatalf("ReceiveRequests: %v", err)
	}
	want := map[string]bool{
		pipeline.WorkItemID(run.RunID, run.FirstStage(), "a.md"): true,
		pipeline.WorkItemID(run.RunID, run.FirstStage(), "b.md"): true,
	}
	for _, msg := range msgs {
		if msg.Message.RunID != run.RunID || !want[msg.Message.WorkItemID] {
			t.Fatalf("unexpected message %+v", msg.Message)
		}
		delete(want, msg.Message.WorkItemID)
	}
	if len(want) != 0 {
		t.Fatalf("first-stage messages missing for %v", want)
	}
	if len(e.notifier.events) != 1 || e.notifier.events[0] != notifications.EventRunStarted {
		t.Fatalf("unexpected events %v", e.notifier.events)
	}
}

func TestCreateRunForceKeepsEverything(t *testing.T) {
	def := docsDefinition(defaultItems()...)
	e := newEnv(t, nil, def)
	ctx := context.Background()
	_ = e.registry.Upsert(ctx, "docs", pipeline.RegistryEntry{CanonicalID: "c.md", LastContentAction: "updated", LastModifiedAt: t0})

	tc := manual(map[string]any{"tenant": "acme"})
	tc.Force = true
	run, err := e.coord.CreateRun(ctx, def, tc)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.ItemCount != 3 {
		t.Fatalf("item count = %d, want 3", run.ItemCount)
	}
}

func TestCreateRunConflictsWithActiveRun(t *testing.T) {
	def := docsDefinition(defaultItems()...)
	e := newEnv(t, nil, def)
	ctx := context.Background()

	if _, err := e.coord.CreateRun(ctx, def, manual(map[string]any{"tenant": "acme"})); err != nil {
		t.Fatalf("first CreateRun: %v", err)
	}
	_, err := e.coord.CreateRun(ctx, def, manual(map[string]any{"tenant": "acme", "batch": 99}))
	if !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := e.coord.CreateRun(ctx, def, manual(map[string]any{"tenant": "other"})); err != nil {
		t.Fatalf("different canonical parameters should not conflict: %v", err)
	}
}

// lateCheckStore misses the first active-run lookup, like a replica that
// checked just before another one inserted the same canonical run.
type lateCheckStore struct {
	*state.SQLiteStore
	missed bool
}

func (s *lateCheckStore) FindActiveRun(ctx context.Context, canonicalRunID string) (*pipeline.Run, error) {
	if !s.missed {
		s.missed = true
		return nil, nil
	}
	return s.SQLiteStore.FindActiveRun(ctx, canonicalRunID)
}

func TestCreateRunConflictDetectedAtInsert(t *testing.T) {
	def := docsDefinition(defaultItems()...)
	e := newEnv(t, nil, def)
	ctx := context.Background()

	winner, err := e.coord.CreateRun(ctx, def, manual(map[string]any{"tenant": "acme"}))
	if err != nil {
		t.Fatalf("first CreateRun: %v", err)
	}
	racer := coordinator.New(&lateCheckStore{SQLiteStore: e.store}, e.queue, e.registry, contentsource.NewResolver(nil), nil)
	_, err = racer.CreateRun(ctx, def, manual(map[string]any{"tenant": "acme"}))
	if !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !strings.Contains(err.Error(), winner.RunID) {
		t.Fatalf("expected conflict to name %s, got %v", winner.RunID, err)
	}
	runs, err := e.store.ActiveRuns(ctx)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected a single active run, got %d (%v)", len(runs), err)
	}
}

func TestCreateRunValidation(t *testing.T) {
	def := docsDefinition(defaultItems()...)
	e := newEnv(t, nil, def)
	ctx := context.Background()

	_, err := e.coord.CreateRun(ctx, def, pipeline.TriggerContext{TriggerName: "hourly", Parameters: map[string]any{"tenant": "acme"}})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("unknown trigger: expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "trigger hourly does not exist") {
		t.Fatalf("unexpected message %q", err.Error())
	}

	_, err = e.coord.CreateRun(ctx, def, manual(nil))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("missing parameter: expected validation error, got %v", err)
	}

	_, err = e.coord.CreateRunByName(ctx, "absent", manual(nil))
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("unknown pipeline: expected not found, got %v", err)
	}
}

func TestCreateRunWithoutChangesCompletesImmediately(t *testing.T) {
	def := docsDefinition(pipeline.SourceItem{CanonicalID: "c.md", Action: "updated", LastModifiedAt: t0.Format(time.RFC3339)})
	e := newEnv(t, nil, def)
	ctx := context.Background()
	_ = e.registry.Upsert(ctx, "docs", pipeline.RegistryEntry{CanonicalID: "c.md", LastContentAction: "updated", LastModifiedAt: t0})

	run, err := e.coord.CreateRun(ctx, def, manual(map[string]any{"tenant": "acme"}))
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != pipeline.RunStatusCompleted || run.Message != pipeline.NoChangedContentMessage {
		t.Fatalf("unexpected run %s %q", run.Status, run.Message)
	}
	stored, err := e.coord.GetRun(ctx, "inst-1", run.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != pipeline.RunStatusCompleted || stored.CompletedAt == nil {
		t.Fatalf("stored run not completed: %+v", stored)
	}
	if has, _ := e.queue.HasRequests(ctx); has {
		t.Fatal("no messages should be queued")
	}
}

type failingSubmitter struct{}

func (failingSubmitter) SubmitRequest(context.Context, pipeline.WorkItemMessage) (string, error) {
	return "", errors.New("queue offline")
}

func TestCreateRunRecordsUnqueuedItems(t *testing.T) {
	def := docsDefinition(defaultItems()[:1]...)
	e := newEnv(t, failingSubmitter{}, def)
	ctx := context.Background()

	run, err := e.coord.CreateRun(ctx, def, manual(map[string]any{"tenant": "acme"}))
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != pipeline.RunStatusCompletedWithFailures {
		t.Fatalf("status = %s, want completed_with_failures", run.Status)
	}
	items, err := e.store.WorkItemsForContent(ctx, run.RunID, "a.md")
	if err != nil {
		t.Fatalf("WorkItemsForContent: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 work items, got %d", len(items))
	}
	if items[0].Error != pipeline.ErrorNotQueued || items[1].Error != pipeline.ErrorUpstreamFailed {
		t.Fatalf("unexpected errors %q / %q", items[0].Error, items[1].Error)
	}
	for _, item := range items {
		if !item.Completed || item.Successful {
			t.Fatalf("work item %s should be completed unsuccessfully", item.WorkItemID)
		}
	}
	if got := e.notifier.events; len(got) != 2 || got[1] != notifications.EventRunCompleted {
		t.Fatalf("unexpected events %v", got)
	}
}

type rejectingStore struct {
	state.Store
}

func (rejectingStore) InitializeRunState(context.Context, *pipeline.Run, []pipeline.ContentItem) bool {
	return false
}

func TestCreateRunInitializationFailure(t *testing.T) {
	def := docsDefinition(defaultItems()...)
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenState(t, cfg)
	q := testsupport.MustOpenQueue(t, cfg)
	notifier := &recordingNotifier{}
	coord := coordinator.New(rejectingStore{Store: store}, q, registry.NewMemory(), contentsource.NewResolver(nil), nil,
		coordinator.WithNotifier(notifier))

	_, err := coord.CreateRun(context.Background(), def, manual(map[string]any{"tenant": "acme"}))
	var failure *services.InitializationFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected InitializationFailure, got %v", err)
	}
	if !errors.Is(err, services.ErrInitialization) {
		t.Fatalf("expected ErrInitialization marker, got %v", err)
	}
	if failure.Pipeline != "docs" || failure.RunID == "" {
		t.Fatalf("unexpected failure %+v", failure)
	}
	if has, _ := q.HasRequests(context.Background()); has {
		t.Fatal("nothing should be queued after initialization failure")
	}
	if len(notifier.events) != 1 || notifier.events[0] != notifications.EventRunInitializationFail {
		t.Fatalf("unexpected events %v", notifier.events)
	}
}

func TestCreateRunDetectsRemovals(t *testing.T) {
	def := docsDefinition(defaultItems()[:1]...)
	e := newEnv(t, nil, def)
	ctx := context.Background()
	_ = e.registry.Upsert(ctx, "docs", pipeline.RegistryEntry{CanonicalID: "gone.md", LastContentAction: "updated", LastModifiedAt: t0})
	_ = e.registry.Upsert(ctx, "docs", pipeline.RegistryEntry{CanonicalID: "old.md", LastContentAction: "removed", LastModifiedAt: t0})

	run, err := e.coord.CreateRun(ctx, def, manual(map[string]any{"tenant": "acme"}))
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.ItemCount != 2 {
		t.Fatalf("item count = %d, want 2", run.ItemCount)
	}
	content, err := e.store.GetContentItem(ctx, run.RunID, "gone.md")
	if err != nil {
		t.Fatalf("GetContentItem: %v", err)
	}
	if content == nil || content.Action != pipeline.ActionRemove {
		t.Fatalf("expected removal item, got %+v", content)
	}

	off := docsDefinition(defaultItems()[:1]...)
	off.Source.Options = map[string]string{coordinator.SourceOptionDetectRemovals: "false"}
	other, err := e.coord.CreateRun(ctx, off, manual(map[string]any{"tenant": "other"}))
	if err != nil {
		t.Fatalf("CreateRun without removals: %v", err)
	}
	if other.ItemCount != 1 {
		t.Fatalf("item count = %d, want 1", other.ItemCount)
	}
}

func TestAggregateRunCompletesAfterAllStages(t *testing.T) {
	def := docsDefinition(defaultItems()[:2]...)
	e := newEnv(t, nil, def)
	ctx := context.Background()

	run, err := e.coord.CreateRun(ctx, def, manual(map[string]any{"tenant": "acme"}))
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	items, err := e.store.WorkItemsForStage(ctx, run.RunID, "chunk")
	if err != nil {
		t.Fatalf("WorkItemsForStage: %v", err)
	}
	items[0].MarkSucceeded()
	items[1].MarkFailed("parse error")
	for i := range items {
		if err := e.store.SaveWorkItemStatus(ctx, &items[i]); err != nil {
			t.Fatalf("SaveWorkItemStatus: %v", err)
		}
	}
	if err := e.coord.FailDownstream(ctx, run, "b.md", "chunk"); err != nil {
		t.Fatalf("FailDownstream: %v", err)
	}

	partial, err := e.coord.AggregateRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("AggregateRun: %v", err)
	}
	if partial.Status != pipeline.RunStatusRunning {
		t.Fatalf("run should still be running, got %s", partial.Status)
	}
	if len(partial.ActiveStages) != 1 || partial.ActiveStages[0] != "embed" {
		t.Fatalf("active stages = %v", partial.ActiveStages)
	}

	embed, err := e.store.GetWorkItem(ctx, pipeline.WorkItemID(run.RunID, "embed", "a.md"))
	if err != nil || embed == nil {
		t.Fatalf("GetWorkItem: %v", err)
	}
	embed.MarkSucceeded()
	if err := e.store.SaveWorkItemStatus(ctx, embed); err != nil {
		t.Fatalf("SaveWorkItemStatus: %v", err)
	}

	final, err := e.coord.AggregateRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("AggregateRun: %v", err)
	}
	if final.Status != pipeline.RunStatusCompletedWithFailures {
		t.Fatalf("status = %s", final.Status)
	}
	if final.FailedCount != 2 {
		t.Fatalf("failed count = %d, want 2", final.FailedCount)
	}
	again, err := e.coord.AggregateRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("AggregateRun terminal: %v", err)
	}
	if again.Version != final.Version {
		t.Fatalf("terminal run should not be rewritten")
	}
}

func TestGetRunChecksInstance(t *testing.T) {
	def := docsDefinition(defaultItems()...)
	e := newEnv(t, nil, def)
	ctx := context.Background()
	run, err := e.coord.CreateRun(ctx, def, manual(map[string]any{"tenant": "acme"}))
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := e.coord.GetRun(ctx, "inst-2", run.RunID); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for other instance, got %v", err)
	}
	if _, err := e.coord.WorkItems(ctx, "inst-2", run.RunID, ""); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for other instance items, got %v", err)
	}
	runs, err := e.coord.ListRuns(ctx, "inst-1", state.RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
}
