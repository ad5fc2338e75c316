package api

import (
	"context"
	"strings"
	"time"

	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
	"vectorflow/internal/state"
)

// RunBackend is the run coordination surface the API exposes.
type RunBackend interface {
	CreateRunByName(ctx context.Context, name string, tc pipeline.TriggerContext) (*pipeline.Run, error)
	GetRun(ctx context.Context, instanceID, runID string) (*pipeline.Run, error)
	ListRuns(ctx context.Context, instanceID string, filter state.RunFilter) ([]pipeline.Run, error)
	WorkItems(ctx context.Context, instanceID, runID, stage string) ([]pipeline.WorkItemStatus, error)
}

// RunService validates API requests and forwards them to a RunBackend.
type RunService struct {
	backend RunBackend
	now     func() time.Time
}

// NewRunService constructs a RunService around backend.
func NewRunService(backend RunBackend) *RunService {
	if backend == nil {
		return nil
	}
	return &RunService{backend: backend, now: time.Now}
}

// Create starts a run of req.Pipeline in instanceID.
func (s *RunService) Create(ctx context.Context, instanceID string, req RunCreateRequest) (*pipeline.Run, error) {
	if s == nil {
		return nil, errUnavailable("create run")
	}
	name := strings.TrimSpace(req.Pipeline)
	if name == "" {
		return nil, services.Wrap(services.ErrValidation, "api", "create run", "pipeline is required", nil)
	}
	if strings.TrimSpace(req.Trigger) == "" {
		return nil, services.Wrap(services.ErrValidation, "api", "create run", "trigger is required", nil)
	}
	return s.backend.CreateRunByName(ctx, name, req.TriggerContext(instanceID, s.now()))
}

// Get returns one run.
func (s *RunService) Get(ctx context.Context, instanceID, runID string) (*pipeline.Run, error) {
	if s == nil {
		return nil, errUnavailable("get run")
	}
	return s.backend.GetRun(ctx, instanceID, strings.TrimSpace(runID))
}

// List returns runs matching filter, newest first.
func (s *RunService) List(ctx context.Context, instanceID string, filter RunFilter) ([]pipeline.Run, error) {
	if s == nil {
		return nil, errUnavailable("list runs")
	}
	sf, err := filter.StateFilter()
	if err != nil {
		return nil, err
	}
	runs, err := s.backend.ListRuns(ctx, instanceID, sf)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []pipeline.Run{}
	}
	return runs, nil
}

// WorkItems returns the work items of a run, optionally narrowed to a stage.
func (s *RunService) WorkItems(ctx context.Context, instanceID, runID, stage string) ([]pipeline.WorkItemStatus, error) {
	if s == nil {
		return nil, errUnavailable("list work items")
	}
	items, err := s.backend.WorkItems(ctx, instanceID, strings.TrimSpace(runID), strings.TrimSpace(stage))
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []pipeline.WorkItemStatus{}
	}
	return items, nil
}

func errUnavailable(op string) error {
	return services.Wrap(services.ErrConfiguration, "api", op, "run service unavailable", nil)
}
