// Package pipeline holds the domain model shared by the orchestration
// components: pipeline definitions, runs, content items, work item statuses,
// queue payloads and registry entries.
//
// Work item statuses carry a Changed flag. Mutate them only through
// MarkSucceeded, MarkFailed and Reset so stores can skip writes of unchanged
// rows.
package pipeline
