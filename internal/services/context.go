package services

import "context"

type contextKey string

const (
	runIDKey      contextKey = "run_id"
	workItemIDKey contextKey = "work_item_id"
	stageKey      contextKey = "stage"
	pipelineKey   contextKey = "pipeline"
	instanceIDKey contextKey = "instance_id"
	requestIDKey  contextKey = "request_id"
)

// WithRunID annotates context with the pipeline run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	return withString(ctx, runIDKey, id)
}

// RunIDFromContext extracts the pipeline run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, runIDKey)
}

// WithWorkItemID annotates context with the work item identifier.
func WithWorkItemID(ctx context.Context, id string) context.Context {
	return withString(ctx, workItemIDKey, id)
}

// WorkItemIDFromContext extracts the work item identifier if present.
func WorkItemIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, workItemIDKey)
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	return withString(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, stageKey)
}

// WithPipeline annotates context with the pipeline definition name.
func WithPipeline(ctx context.Context, name string) context.Context {
	return withString(ctx, pipelineKey, name)
}

// PipelineFromContext returns the pipeline name if present.
func PipelineFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, pipelineKey)
}

// WithInstanceID annotates context with the owning instance identifier.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return withString(ctx, instanceIDKey, id)
}

// InstanceIDFromContext returns the instance identifier if present.
func InstanceIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, instanceIDKey)
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, requestIDKey)
}

func withString(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
