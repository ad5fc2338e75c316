// Package coordinator creates pipeline runs and aggregates their progress.
//
// CreateRun turns a definition and trigger context into a persisted run with
// one work item per changed content item and stage, then enqueues the first
// stage. AggregateRun folds work item state back into the run header and
// decides terminal status; the stage runner calls it after every work item it
// completes.
package coordinator
