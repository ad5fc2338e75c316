package pipeline_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"vectorflow/internal/pipeline"
)

func TestWorkItemStatusDirtyBit(t *testing.T) {
	status := pipeline.WorkItemStatus{WorkItemID: "wi-1", RunID: "run-1", Stage: "extract"}
	if status.Changed {
		t.Fatal("expected new status to be clean")
	}

	status.MarkSucceeded()
	if !status.Changed {
		t.Fatal("expected MarkSucceeded to set Changed")
	}
	if !status.Completed || !status.Successful {
		t.Fatalf("unexpected flags after success: %+v", status)
	}

	status.ClearChanged()
	status.MarkSucceeded()
	if status.Changed {
		t.Fatal("expected repeated MarkSucceeded to leave Changed false")
	}

	status.MarkFailed("corrupt")
	if !status.Changed || status.Successful || !status.Completed || status.Error != "corrupt" {
		t.Fatalf("unexpected state after failure: %+v", status)
	}

	status.ClearChanged()
	status.Reset()
	if !status.Changed || status.Completed || status.Successful || status.Error != "" {
		t.Fatalf("unexpected state after reset: %+v", status)
	}

	status.ClearChanged()
	status.RecordAttempt("vector store busy")
	if !status.Changed || status.Completed || status.Attempts != 1 || status.Error != "vector store busy" {
		t.Fatalf("unexpected state after attempt: %+v", status)
	}
	status.RecordAttempt("")
	if status.Attempts != 2 || status.Error != "" {
		t.Fatalf("expected attempt to replace the error, got %+v", status)
	}
}

func TestWorkItemStatusSuccessfulImpliesCompleted(t *testing.T) {
	var status pipeline.WorkItemStatus
	status.MarkSucceeded()
	if status.Successful && !status.Completed {
		t.Fatal("successful work item must be completed")
	}
	status.Reset()
	if status.Successful {
		t.Fatal("reset must clear successful")
	}
}

func TestWorkItemMessageWireFormat(t *testing.T) {
	data, err := json.Marshal(pipeline.WorkItemMessage{WorkItemID: "wi-1", RunID: "run-1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"WorkItemId":"wi-1","RunId":"run-1"}` {
		t.Fatalf("unexpected payload %s", data)
	}
}

func TestRegistryEntryWireFormat(t *testing.T) {
	entry := pipeline.RegistryEntry{
		CanonicalID:       "docs/a.md",
		LastContentAction: "created",
		LastModifiedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"content_item_canonical_id"`, `"last_content_action"`, `"last_modified_at"`} {
		if !strings.Contains(string(data), key) {
			t.Fatalf("expected %s in %s", key, data)
		}
	}
}

func TestNewRunIDFormat(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	id := pipeline.NewRunID(now)
	if !strings.HasPrefix(id, "run-20260314-150926-") {
		t.Fatalf("unexpected run id %q", id)
	}
	if other := pipeline.NewRunID(now); other == id {
		t.Fatal("expected unique run ids")
	}
}

func TestCanonicalRunIDStable(t *testing.T) {
	a := pipeline.CanonicalRunID("docs", map[string]any{"b": 2, "a": "x"})
	b := pipeline.CanonicalRunID("docs", map[string]any{"a": "x", "b": 2})
	if a != b {
		t.Fatalf("expected stable canonical id, got %q and %q", a, b)
	}
	if c := pipeline.CanonicalRunID("other", map[string]any{"a": "x", "b": 2}); c == a {
		t.Fatal("expected pipeline name to affect canonical id")
	}
	if pipeline.CanonicalRunID("docs", nil) != pipeline.CanonicalRunID("docs", map[string]any{}) {
		t.Fatal("expected nil and empty parameters to match")
	}
}

func TestWorkItemIDDeterministic(t *testing.T) {
	a := pipeline.WorkItemID("run-1", "extract", "a.md")
	if a != pipeline.WorkItemID("run-1", "extract", "a.md") {
		t.Fatal("expected deterministic work item id")
	}
	if a == pipeline.WorkItemID("run-1", "embed", "a.md") {
		t.Fatal("expected stage to affect work item id")
	}
}

func TestRunStageNavigation(t *testing.T) {
	def := pipeline.Definition{
		Name: "docs",
		Stages: []pipeline.StageDefinition{
			{Name: "extract", Plugin: "passthrough"},
			{Name: "embed", Plugin: "passthrough"},
		},
	}
	run := &pipeline.Run{Stages: def.StageNames()}
	if run.FirstStage() != "extract" {
		t.Fatalf("unexpected run first stage %q", run.FirstStage())
	}
	next, ok := run.NextStage("extract")
	if !ok || next != "embed" {
		t.Fatalf("unexpected next stage %q", next)
	}
	if _, ok := run.NextStage("embed"); ok {
		t.Fatal("expected no stage after the last one")
	}
	if _, ok := run.NextStage("unknown"); ok {
		t.Fatal("expected unknown stage to have no successor")
	}
}

func TestDefinitionValidate(t *testing.T) {
	def := pipeline.Definition{
		Name: "docs",
		Stages: []pipeline.StageDefinition{
			{Name: "extract", Plugin: "passthrough"},
			{Name: "extract", Plugin: ""},
		},
		Triggers: []pipeline.Trigger{{Name: "nightly", Type: pipeline.TriggerSchedule}},
	}
	err := def.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, fragment := range []string{"duplicate stage", "no plugin", "no schedule"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in %v", fragment, err)
		}
	}
}

func TestResolveParameters(t *testing.T) {
	def := pipeline.Definition{
		Name: "docs",
		Parameters: []pipeline.ParameterDefinition{
			{Name: "index", Required: true, Canonical: true},
			{Name: "chunk_size", Default: 512},
		},
	}
	trigger := &pipeline.Trigger{Name: "nightly", Parameters: map[string]any{"index": "main"}}
	resolved, err := def.ResolveParameters(trigger, map[string]any{"chunk_size": 1024})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved["index"] != "main" || resolved["chunk_size"] != 1024 {
		t.Fatalf("unexpected parameters %+v", resolved)
	}
	canonical := def.CanonicalParameters(resolved)
	if len(canonical) != 1 || canonical["index"] != "main" {
		t.Fatalf("unexpected canonical parameters %+v", canonical)
	}
	if _, err := def.ResolveParameters(nil, nil); err == nil {
		t.Fatal("expected missing required parameter error")
	}
}

func TestRunCompleteWithFailures(t *testing.T) {
	run := &pipeline.Run{Stages: []string{"extract"}, Status: pipeline.RunStatusRunning}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	run.Complete(now, map[string]pipeline.StageMetrics{
		"extract": {WorkItems: 2, Completed: 2, Successful: 1},
	})
	if run.Status != pipeline.RunStatusCompletedWithFailures {
		t.Fatalf("unexpected status %q", run.Status)
	}
	if run.Message != "completed with 1 failures" {
		t.Fatalf("unexpected message %q", run.Message)
	}
	if !run.IsTerminal() || run.CompletedAt == nil {
		t.Fatal("expected terminal run with completion time")
	}
	if len(run.FailedStages) != 1 || run.FailedStages[0] != "extract" {
		t.Fatalf("unexpected failed stages %v", run.FailedStages)
	}
}

func TestNormalizeAction(t *testing.T) {
	if pipeline.NormalizeAction("removed") != pipeline.ActionRemove {
		t.Fatal("expected removed to map to Remove")
	}
	if pipeline.NormalizeAction("created") != pipeline.ActionAddOrUpdate {
		t.Fatal("expected created to map to AddOrUpdate")
	}
	if pipeline.CacheKey("P", "T") != "P|T" {
		t.Fatal("unexpected cache key")
	}
}
