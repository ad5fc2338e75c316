package logging

import (
	"context"
	"log/slog"

	"vectorflow/internal/services"
)

const (
	FieldComponent  = "component"
	FieldRunID      = "run_id"
	FieldWorkItemID = "work_item_id"
	FieldStage      = "stage"
	FieldPipeline   = "pipeline"
	FieldTrigger    = "trigger"
	FieldInstanceID = "instance_id"
	FieldMessageID  = "message_id"
	// FieldCorrelationID carries the API request identifier.
	FieldCorrelationID = "correlation_id"
	// FieldEventType tags lines that dashboards and alerts key on.
	FieldEventType = "event_type"
	FieldErrorKind = "error_kind"
	FieldErrorHint = "error_hint"
	// FieldImpact describes the consequence of a warning for the run.
	FieldImpact = "impact"
	// FieldAlert flags anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 6)
	if name, ok := services.PipelineFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldPipeline, name))
	}
	if id, ok := services.RunIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if id, ok := services.WorkItemIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldWorkItemID, id))
	}
	if id, ok := services.InstanceIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldInstanceID, id))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
