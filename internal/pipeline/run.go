package pipeline

import (
	"strconv"
	"strings"
	"time"
)

// RunStatus represents the lifecycle of a pipeline run.
type RunStatus string

const (
	RunStatusPending               RunStatus = "pending"
	RunStatusRunning               RunStatus = "running"
	RunStatusCompleted             RunStatus = "completed"
	RunStatusCompletedWithFailures RunStatus = "completed_with_failures"
	RunStatusFailed                RunStatus = "failed"
)

var allRunStatuses = []RunStatus{
	RunStatusPending,
	RunStatusRunning,
	RunStatusCompleted,
	RunStatusCompletedWithFailures,
	RunStatusFailed,
}

var runStatusSet = func() map[RunStatus]struct{} {
	set := make(map[RunStatus]struct{}, len(allRunStatuses))
	for _, status := range allRunStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var terminalRunStatuses = map[RunStatus]struct{}{
	RunStatusCompleted:             {},
	RunStatusCompletedWithFailures: {},
	RunStatusFailed:                {},
}

// RunStatuses returns every known status in lifecycle order.
func RunStatuses() []RunStatus {
	return append([]RunStatus(nil), allRunStatuses...)
}

// ParseRunStatus converts a raw string into a RunStatus if recognized.
func ParseRunStatus(raw string) (RunStatus, bool) {
	status := RunStatus(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := runStatusSet[status]
	return status, ok
}

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	_, ok := terminalRunStatuses[s]
	return ok
}

// StageMetrics aggregates work item counts for one stage of a run.
type StageMetrics struct {
	WorkItems  int `json:"work_items"`
	Completed  int `json:"completed"`
	Successful int `json:"successful"`
}

// Failed returns the number of completed but unsuccessful work items.
func (m StageMetrics) Failed() int {
	return m.Completed - m.Successful
}

// Done reports whether every work item of the stage has completed.
func (m StageMetrics) Done() bool {
	return m.Completed >= m.WorkItems
}

// Run is one execution of a pipeline definition over a set of content items.
type Run struct {
	RunID           string                  `json:"run_id"`
	InstanceID      string                  `json:"instance_id"`
	PipelineName    string                  `json:"pipeline"`
	TriggerName     string                  `json:"trigger,omitempty"`
	CanonicalRunID  string                  `json:"canonical_run_id,omitempty"`
	Parameters      map[string]any          `json:"parameters,omitempty"`
	Force           bool                    `json:"force,omitempty"`
	Status          RunStatus               `json:"status"`
	Message         string                  `json:"message,omitempty"`
	StartedAt       time.Time               `json:"started_at"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
	Stages          []string                `json:"stages"`
	ActiveStages    []string                `json:"active_stages,omitempty"`
	CompletedStages []string                `json:"completed_stages,omitempty"`
	FailedStages    []string                `json:"failed_stages,omitempty"`
	StageMetrics    map[string]StageMetrics `json:"stage_metrics,omitempty"`
	ItemCount       int                     `json:"item_count"`
	FailedCount     int                     `json:"failed_count"`
	Version         int64                   `json:"version"`
}

// FirstStage returns the first stage of the run or "" when it has none.
func (r *Run) FirstStage() string {
	if len(r.Stages) == 0 {
		return ""
	}
	return r.Stages[0]
}

// NextStage returns the stage following current. ok is false on the last
// stage or when current is not part of the run.
func (r *Run) NextStage(current string) (string, bool) {
	for idx, name := range r.Stages {
		if name == current && idx+1 < len(r.Stages) {
			return r.Stages[idx+1], true
		}
	}
	return "", false
}

// IsTerminal reports whether the run reached a final status.
func (r *Run) IsTerminal() bool {
	return r != nil && r.Status.IsTerminal()
}

// Complete records the final status of the run. Failures across every stage
// decide between completed and completed_with_failures.
func (r *Run) Complete(now time.Time, metrics map[string]StageMetrics) {
	failures := 0
	for _, m := range metrics {
		failures += m.Failed()
	}
	r.ApplyMetrics(metrics)
	r.FailedCount = failures
	if failures > 0 {
		r.Status = RunStatusCompletedWithFailures
		r.Message = CompletionMessage(failures)
	} else {
		r.Status = RunStatusCompleted
		r.Message = CompletionMessage(0)
	}
	completed := now.UTC()
	r.CompletedAt = &completed
	r.ActiveStages = nil
}

// ApplyMetrics refreshes per-stage bookkeeping from aggregated counts.
func (r *Run) ApplyMetrics(metrics map[string]StageMetrics) {
	r.StageMetrics = make(map[string]StageMetrics, len(metrics))
	r.ActiveStages = nil
	r.CompletedStages = nil
	r.FailedStages = nil
	for _, name := range r.Stages {
		m, ok := metrics[name]
		if !ok {
			continue
		}
		r.StageMetrics[name] = m
		switch {
		case m.WorkItems == 0:
		case !m.Done():
			r.ActiveStages = append(r.ActiveStages, name)
		case m.Failed() > 0:
			r.FailedStages = append(r.FailedStages, name)
			r.CompletedStages = append(r.CompletedStages, name)
		default:
			r.CompletedStages = append(r.CompletedStages, name)
		}
	}
}

// CompletionMessage renders the summary stored on a finished run.
func CompletionMessage(failures int) string {
	if failures == 0 {
		return "completed successfully"
	}
	return "completed with " + strconv.Itoa(failures) + " failures"
}

// NoChangedContentMessage is stored on runs that found nothing to process.
const NoChangedContentMessage = "no changed content items"

// TriggerContext carries why a run is being created.
type TriggerContext struct {
	InstanceID  string         `json:"instance_id,omitempty"`
	TriggerName string         `json:"trigger,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Force       bool           `json:"force,omitempty"`
	RequestedAt time.Time      `json:"requested_at,omitempty"`
}
