package stage

import (
	"context"

	"vectorflow/internal/pipeline"
)

// Task is everything a handler sees for one work item.
type Task struct {
	Run      *pipeline.Run
	WorkItem *pipeline.WorkItemStatus
	Stage    pipeline.StageDefinition
	Content  pipeline.ContentItem
	// Parameters merges run parameters with the stage's own parameters; stage
	// values win.
	Parameters map[string]any
	// Artifacts holds what earlier stages produced for the same content item.
	Artifacts map[string]any
}

// Result carries artifacts forward to later stages of the content item.
type Result struct {
	Artifacts map[string]any
}

// Handler describes the contract the workflow manager needs from each stage
// plugin. Errors should be classified with services.Transient or
// services.Terminal; anything else is retried.
type Handler interface {
	Prepare(context.Context, *Task) error
	Execute(context.Context, *Task) (Result, error)
	HealthCheck(context.Context) Health
}

// Health is a plugin's answer to HealthCheck, surfaced in daemon status and
// preflight output.
type Health struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

func Healthy(plugin string) Health { return Health{Name: plugin, Ready: true} }

// Unhealthy reports plugin as not ready; detail should name what is missing.
func Unhealthy(plugin, detail string) Health {
	return Health{Name: plugin, Detail: detail}
}

// Func adapts an execute function into a Handler with a no-op Prepare and an
// always healthy check.
type Func struct {
	Name string
	Fn   func(context.Context, *Task) (Result, error)
}

func (f Func) Prepare(context.Context, *Task) error { return nil }

func (f Func) Execute(ctx context.Context, task *Task) (Result, error) {
	if f.Fn == nil {
		return Result{}, nil
	}
	return f.Fn(ctx, task)
}

func (f Func) HealthCheck(context.Context) Health { return Healthy(f.Name) }

// NewTask assembles the task for a work item.
func NewTask(run *pipeline.Run, item *pipeline.WorkItemStatus, def pipeline.StageDefinition, content pipeline.ContentItem, artifacts map[string]any) *Task {
	params := make(map[string]any, len(run.Parameters)+len(def.Parameters))
	for k, v := range run.Parameters {
		params[k] = v
	}
	for k, v := range def.Parameters {
		params[k] = v
	}
	if artifacts == nil {
		artifacts = make(map[string]any)
	}
	return &Task{Run: run, WorkItem: item, Stage: def, Content: content, Parameters: params, Artifacts: artifacts}
}
