package api_test

import (
	"context"
	"errors"
	"testing"

	"vectorflow/internal/api"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
	"vectorflow/internal/state"
)

type backendStub struct {
	name   string
	tc     pipeline.TriggerContext
	filter state.RunFilter
	stage  string
	runs   []pipeline.Run
}

func (b *backendStub) CreateRunByName(_ context.Context, name string, tc pipeline.TriggerContext) (*pipeline.Run, error) {
	b.name = name
	b.tc = tc
	return &pipeline.Run{RunID: "r1", PipelineName: name, Status: pipeline.RunStatusRunning}, nil
}

func (b *backendStub) GetRun(_ context.Context, _, runID string) (*pipeline.Run, error) {
	if runID != "r1" {
		return nil, services.Wrap(services.ErrNotFound, "stub", "get run", "missing", nil)
	}
	return &pipeline.Run{RunID: runID}, nil
}

func (b *backendStub) ListRuns(_ context.Context, _ string, filter state.RunFilter) ([]pipeline.Run, error) {
	b.filter = filter
	return b.runs, nil
}

func (b *backendStub) WorkItems(_ context.Context, _, _, stage string) ([]pipeline.WorkItemStatus, error) {
	b.stage = stage
	return nil, nil
}

func TestRunServiceCreate(t *testing.T) {
	backend := &backendStub{}
	svc := api.NewRunService(backend)
	run, err := svc.Create(context.Background(), "inst", api.RunCreateRequest{
		Pipeline:   " docs ",
		Trigger:    "manual",
		Parameters: map[string]any{"tenant": "acme"},
		Force:      true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if run.RunID != "r1" || backend.name != "docs" {
		t.Fatalf("unexpected run %+v created for %q", run, backend.name)
	}
	if backend.tc.InstanceID != "inst" || backend.tc.TriggerName != "manual" || !backend.tc.Force {
		t.Fatalf("unexpected trigger context: %+v", backend.tc)
	}
	if backend.tc.RequestedAt.IsZero() {
		t.Fatal("expected request time to be stamped")
	}
}

func TestRunServiceCreateValidation(t *testing.T) {
	svc := api.NewRunService(&backendStub{})
	if _, err := svc.Create(context.Background(), "inst", api.RunCreateRequest{Trigger: "manual"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for missing pipeline, got %v", err)
	}
	if _, err := svc.Create(context.Background(), "inst", api.RunCreateRequest{Pipeline: "docs"}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for missing trigger, got %v", err)
	}
}

func TestRunServiceListReturnsEmptySlice(t *testing.T) {
	backend := &backendStub{}
	svc := api.NewRunService(backend)
	runs, err := svc.List(context.Background(), "inst", api.RunFilter{Status: []string{"running"}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if runs == nil || len(runs) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", runs)
	}
	if len(backend.filter.Statuses) != 1 || backend.filter.Statuses[0] != pipeline.RunStatusRunning {
		t.Fatalf("unexpected filter forwarded: %+v", backend.filter)
	}
}

func TestRunServiceWorkItemsTrimsStage(t *testing.T) {
	backend := &backendStub{}
	svc := api.NewRunService(backend)
	items, err := svc.WorkItems(context.Background(), "inst", "r1", " embed ")
	if err != nil {
		t.Fatalf("WorkItems: %v", err)
	}
	if items == nil || backend.stage != "embed" {
		t.Fatalf("unexpected result %#v for stage %q", items, backend.stage)
	}
}

func TestNilRunServiceIsUnavailable(t *testing.T) {
	var svc *api.RunService
	if _, err := svc.Get(context.Background(), "inst", "r1"); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
