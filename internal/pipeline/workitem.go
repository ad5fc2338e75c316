package pipeline

import "time"

// Work item error messages recorded by the orchestrator itself.
const (
	ErrorNotQueued      = "work item could not be queued"
	ErrorUpstreamFailed = "upstream stage failed"
)

// WorkItemStatus tracks one content item through one stage of a run.
//
// Mutate it through the setters only: they keep Successful implying
// Completed and raise Changed when a value actually transitions. The state
// store persists changed statuses and clears the flag.
type WorkItemStatus struct {
	WorkItemID             string        `json:"work_item_id"`
	RunID                  string        `json:"run_id"`
	Stage                  string        `json:"stage"`
	ContentItemCanonicalID string        `json:"content_item_canonical_id"`
	Completed              bool          `json:"completed"`
	Successful             bool          `json:"successful"`
	Changed                bool          `json:"-"`
	Error                  string        `json:"error,omitempty"`
	Action                 ContentAction `json:"action"`
	LastModifiedAt         time.Time     `json:"last_modified_at"`
	Attempts               int           `json:"attempts"`
	Version                int64         `json:"version"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// MarkSucceeded completes the work item successfully.
func (w *WorkItemStatus) MarkSucceeded() {
	w.set(true, true, "")
}

// MarkFailed completes the work item unsuccessfully with a reason.
func (w *WorkItemStatus) MarkFailed(reason string) {
	w.set(true, false, reason)
}

// Reset returns the work item to its initial incomplete state.
func (w *WorkItemStatus) Reset() {
	w.set(false, false, "")
}

// RecordAttempt notes a processing attempt without completing the item.
func (w *WorkItemStatus) RecordAttempt(reason string) {
	w.Attempts++
	w.Changed = true
	w.Error = reason
}

// ClearChanged is called by stores after a successful persist.
func (w *WorkItemStatus) ClearChanged() {
	w.Changed = false
}

func (w *WorkItemStatus) set(completed, successful bool, reason string) {
	if successful {
		completed = true
	}
	if w.Completed != completed {
		w.Completed = completed
		w.Changed = true
	}
	if w.Successful != successful {
		w.Successful = successful
		w.Changed = true
	}
	if w.Error != reason {
		w.Error = reason
		w.Changed = true
	}
}

// NewWorkItemStatus builds the initial status for a content item and stage.
func NewWorkItemStatus(item ContentItem, stage string) WorkItemStatus {
	return WorkItemStatus{
		WorkItemID:             WorkItemID(item.RunID, stage, item.CanonicalID),
		RunID:                  item.RunID,
		Stage:                  stage,
		ContentItemCanonicalID: item.CanonicalID,
		Action:                 item.Action,
		LastModifiedAt:         item.LastModifiedAt,
	}
}

// ExecutionOutcome records how one stage attempt ended.
type ExecutionOutcome string

const (
	OutcomeSucceeded ExecutionOutcome = "succeeded"
	OutcomeRetrying  ExecutionOutcome = "retrying"
	OutcomeFailed    ExecutionOutcome = "failed"
	OutcomePoisoned  ExecutionOutcome = "poisoned"
)

// StageExecution is the audit record of one stage attempt for a work item.
type StageExecution struct {
	RunID       string           `json:"run_id"`
	Stage       string           `json:"stage"`
	WorkItemID  string           `json:"work_item_id"`
	CanonicalID string           `json:"content_item_canonical_id"`
	Attempt     int              `json:"attempt"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Outcome     ExecutionOutcome `json:"outcome"`
	Error       string           `json:"error,omitempty"`
}

// ExecutionDetail holds the artifacts a stage produced. Later stages of the
// same content item receive them as input.
type ExecutionDetail struct {
	Artifacts map[string]any `json:"artifacts,omitempty" msgpack:"artifacts,omitempty"`
}
