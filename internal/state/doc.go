// Package state persists run headers, content items, work item statuses and
// stage execution records in SQLite.
//
// Completion is always derived from persisted rows: IsRunComplete counts
// incomplete work items instead of trusting any in-memory view. Work item
// writes are row scoped, so concurrent workers finishing different items
// never overwrite each other. Run headers are updated with compare-and-swap
// on Version and callers retry on services.ErrConflict.
package state
