package api

import "vectorflow/internal/queue"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// RunCreateRequest asks the daemon to start a run of a pipeline.
type RunCreateRequest struct {
	Pipeline   string         `json:"pipeline"`
	Trigger    string         `json:"trigger"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Force      bool           `json:"force,omitempty"`
}

// RunFilter narrows run listings. Zero values match everything.
type RunFilter struct {
	Pipeline   string   `json:"pipeline,omitempty"`
	Status     []string `json:"status,omitempty"`
	ActiveOnly bool     `json:"active_only,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// QueueStats summarizes queue depth.
type QueueStats struct {
	Visible      int `json:"visible"`
	Leased       int `json:"leased"`
	DeadLettered int `json:"dead_lettered"`
	Total        int `json:"total"`
}

// DeadLetter describes a message removed from circulation.
type DeadLetter struct {
	MessageID      string `json:"message_id"`
	WorkItemID     string `json:"work_item_id"`
	RunID          string `json:"run_id"`
	DequeueCount   int    `json:"dequeue_count"`
	EnqueuedAt     string `json:"enqueued_at,omitempty"`
	DeadLetteredAt string `json:"dead_lettered_at,omitempty"`
	Reason         string `json:"reason"`
}

// StageHealth mirrors readiness reporting for stage plugins.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// WorkflowStatus summarizes stage runner execution state.
type WorkflowStatus struct {
	Running      bool          `json:"running"`
	Concurrency  int           `json:"concurrency"`
	InFlight     int           `json:"in_flight"`
	Processed    int64         `json:"processed"`
	Succeeded    int64         `json:"succeeded"`
	Retried      int64         `json:"retried"`
	Failed       int64         `json:"failed"`
	LastError    string        `json:"last_error,omitempty"`
	LastWorkItem string        `json:"last_work_item,omitempty"`
	Queue        QueueStats    `json:"queue"`
	StageHealth  []StageHealth `json:"stage_health"`
}

// ScheduleEntry is one cached (pipeline, trigger) pair of the scheduler.
type ScheduleEntry struct {
	Pipeline          string `json:"pipeline"`
	Trigger           string `json:"trigger"`
	Schedule          string `json:"schedule"`
	NextRunTime       string `json:"next_run_time,omitempty"`
	LastExecutionTime string `json:"last_execution_time,omitempty"`
}

// CheckResult mirrors a preflight check outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool            `json:"running"`
	PID          int             `json:"pid"`
	InstanceID   string          `json:"instance_id"`
	QueueDBPath  string          `json:"queue_db_path"`
	StateDBPath  string          `json:"state_db_path"`
	LockFilePath string          `json:"lock_file_path"`
	StartedAt    string          `json:"started_at,omitempty"`
	Workflow     WorkflowStatus  `json:"workflow"`
	Schedules    []ScheduleEntry `json:"schedules"`
	Checks       []CheckResult   `json:"checks,omitempty"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// FromQueueStats converts queue depth counters.
func FromQueueStats(stats queue.Stats) QueueStats {
	return QueueStats{
		Visible:      stats.Visible,
		Leased:       stats.Leased,
		DeadLettered: stats.DeadLettered,
		Total:        stats.Total(),
	}
}
