package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"vectorflow/internal/pipeline"
	"vectorflow/internal/preflight"
	"vectorflow/internal/queue"
	"vectorflow/internal/services"
	"vectorflow/internal/state"
	"vectorflow/internal/workflow"
)

// FromStatusSummary converts workflow diagnostics.
func FromStatusSummary(summary workflow.StatusSummary) WorkflowStatus {
	return WorkflowStatus{
		Running:      summary.Running,
		Concurrency:  summary.Concurrency,
		InFlight:     summary.InFlight,
		Processed:    summary.Processed,
		Succeeded:    summary.Succeeded,
		Retried:      summary.Retried,
		Failed:       summary.Failed,
		LastError:    summary.LastError,
		LastWorkItem: summary.LastWorkItem,
		Queue:        FromQueueStats(summary.QueueStats),
		StageHealth:  stageHealth(summary),
	}
}

func stageHealth(summary workflow.StatusSummary) []StageHealth {
	out := make([]StageHealth, 0, len(summary.StageHealth))
	for _, h := range summary.StageHealth {
		out = append(out, StageHealth{Name: h.Name, Ready: h.Ready, Detail: h.Detail})
	}
	return out
}

// FromDeadLetters converts dead-letter records.
func FromDeadLetters(letters []queue.DeadLetter) []DeadLetter {
	out := make([]DeadLetter, 0, len(letters))
	for _, l := range letters {
		out = append(out, DeadLetter{
			MessageID:      l.MessageID,
			WorkItemID:     l.Message.WorkItemID,
			RunID:          l.Message.RunID,
			DequeueCount:   l.DequeueCount,
			EnqueuedAt:     formatTime(l.EnqueuedAt),
			DeadLetteredAt: formatTime(l.DeadLetteredAt),
			Reason:         l.Reason,
		})
	}
	return out
}

// FromSchedules converts the scheduler snapshot.
func FromSchedules(infos []pipeline.ScheduledPipelineInfo) []ScheduleEntry {
	out := make([]ScheduleEntry, 0, len(infos))
	for _, info := range infos {
		out = append(out, ScheduleEntry{
			Pipeline:          info.Pipeline,
			Trigger:           info.Trigger,
			Schedule:          info.Schedule,
			NextRunTime:       formatTime(info.NextRunTime),
			LastExecutionTime: formatTime(info.LastExecutionTime),
		})
	}
	return out
}

// FromPreflight converts preflight results.
func FromPreflight(results []preflight.Result) []CheckResult {
	if len(results) == 0 {
		return nil
	}
	out := make([]CheckResult, 0, len(results))
	for _, r := range results {
		out = append(out, CheckResult{Name: r.Name, Passed: r.Passed, Detail: r.Detail})
	}
	return out
}

// StateFilter validates f and converts it to a state store filter. Unknown
// statuses match services.ErrValidation.
func (f RunFilter) StateFilter() (state.RunFilter, error) {
	out := state.RunFilter{
		Pipeline:   strings.TrimSpace(f.Pipeline),
		ActiveOnly: f.ActiveOnly,
		Limit:      f.Limit,
	}
	for _, raw := range f.Status {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		status, ok := pipeline.ParseRunStatus(raw)
		if !ok {
			return state.RunFilter{}, services.Wrap(services.ErrValidation, "api", "parse run filter",
				"unknown run status "+raw, nil)
		}
		out.Statuses = append(out.Statuses, status)
	}
	return out, nil
}

// TriggerContext converts the request into the coordinator's trigger context.
func (r RunCreateRequest) TriggerContext(instanceID string, now time.Time) pipeline.TriggerContext {
	return pipeline.TriggerContext{
		InstanceID:  instanceID,
		TriggerName: strings.TrimSpace(r.Trigger),
		Parameters:  r.Parameters,
		Force:       r.Force,
		RequestedAt: now.UTC(),
	}
}

// StatusCode maps an error onto the HTTP status the daemon responds with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, services.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewErrorResponse builds the error body for err.
func NewErrorResponse(err error) ErrorResponse {
	if err == nil {
		return ErrorResponse{}
	}
	return ErrorResponse{Error: err.Error(), Kind: string(services.Kind(err))}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

// ParseTime parses timestamps produced by the API.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}
