package stage

import (
	"context"
	"time"

	"vectorflow/internal/services"
)

// PluginPassthrough is the name of the built-in passthrough plugin.
const PluginPassthrough = "passthrough"

// Passthrough records the content item metadata as artifacts and succeeds.
// Pipelines use it as a placeholder stage and for smoke tests. A "fail"
// parameter set to "terminal" or "transient" forces that failure, and
// "delay_ms" holds each execution for that many milliseconds.
type Passthrough struct{}

func (Passthrough) Prepare(_ context.Context, task *Task) error {
	if _, err := OptionalString(task, "fail"); err != nil {
		return err
	}
	delay, err := IntParameter(task, "delay_ms", 0)
	if err != nil {
		return err
	}
	if delay < 0 {
		return services.Wrap(services.ErrValidation, stageName(task), "read parameter",
			"parameter \"delay_ms\" must not be negative", nil)
	}
	return nil
}

func (Passthrough) Execute(ctx context.Context, task *Task) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if delay, _ := IntParameter(task, "delay_ms", 0); delay > 0 {
		timer := time.NewTimer(time.Duration(delay) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	mode, _ := OptionalString(task, "fail")
	switch mode {
	case "terminal":
		return Result{}, terminal(task, "forced failure")
	case "transient":
		return Result{}, transient(task, "forced failure")
	}
	artifacts := map[string]any{
		task.Stage.Name + ".canonical_id": task.Content.CanonicalID,
		task.Stage.Name + ".action":       string(task.Content.Action),
	}
	if !task.Content.LastModifiedAt.IsZero() {
		artifacts[task.Stage.Name+".last_modified_at"] = task.Content.LastModifiedAt.UTC().Format(time.RFC3339)
	}
	if task.Content.Fingerprint != "" {
		artifacts[task.Stage.Name+".fingerprint"] = task.Content.Fingerprint
	}
	return Result{Artifacts: artifacts}, nil
}

func (Passthrough) HealthCheck(context.Context) Health {
	return Healthy(PluginPassthrough)
}
