package pipeline

import (
	"strings"
	"time"
)

// ContentAction describes what happened to a content item at its source.
type ContentAction string

const (
	ActionAddOrUpdate ContentAction = "AddOrUpdate"
	ActionRemove      ContentAction = "Remove"
)

// Raw action strings persisted by sources and the registry.
const (
	RawActionCreated = "created"
	RawActionUpdated = "updated"
	RawActionRemoved = "removed"
)

// NormalizeAction maps raw source actions onto the two content actions.
// Unknown values are treated as AddOrUpdate.
func NormalizeAction(raw string) ContentAction {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case RawActionRemoved, "remove", "deleted", "delete":
		return ActionRemove
	default:
		return ActionAddOrUpdate
	}
}

// ContentItem is one unit of source content scheduled for processing in a
// single run.
type ContentItem struct {
	CanonicalID    string        `json:"canonical_id"`
	RunID          string        `json:"run_id"`
	Action         ContentAction `json:"action"`
	RawAction      string        `json:"raw_action,omitempty"`
	LastModifiedAt time.Time     `json:"last_modified_at"`
	Fingerprint    string        `json:"fingerprint,omitempty"`
}

// RegistryEntry is the last processed state of a content item for one
// pipeline.
type RegistryEntry struct {
	CanonicalID       string    `json:"content_item_canonical_id" dynamodbav:"content_item_canonical_id"`
	LastContentAction string    `json:"last_content_action" dynamodbav:"last_content_action"`
	LastModifiedAt    time.Time `json:"last_modified_at" dynamodbav:"last_modified_at"`
}

// WorkItemMessage is the queue payload. Field names are part of the wire
// format.
type WorkItemMessage struct {
	WorkItemID string `json:"WorkItemId"`
	RunID      string `json:"RunId"`
}

// DequeuedMessage is a leased queue message.
type DequeuedMessage struct {
	Message      WorkItemMessage
	MessageID    string
	PopReceipt   string
	DequeueCount int
	LeasedUntil  time.Time
}

// ScheduledPipelineInfo is the scheduler's bookkeeping for one pipeline and
// trigger pair.
type ScheduledPipelineInfo struct {
	Pipeline          string
	Trigger           string
	Schedule          string
	NextRunTime       time.Time
	LastExecutionTime time.Time
}

// Key returns the cache key of the pair.
func (s ScheduledPipelineInfo) Key() string {
	return CacheKey(s.Pipeline, s.Trigger)
}

// CacheKey builds the scheduler cache key for a pipeline and trigger.
func CacheKey(pipelineName, triggerName string) string {
	return pipelineName + "|" + triggerName
}
