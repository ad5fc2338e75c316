// Package api defines wire-format types, converters, the run service and the
// HTTP client used between the vectorflow daemon and its consumers.
//
// # Key Types
//
// RunCreateRequest: body of POST /instances/{instanceId}/datapipelineruns.
//
// RunFilter: body of POST .../datapipelineruns/filter; statuses are parsed
// into pipeline.RunStatus values before they reach the state store.
//
// WorkflowStatus / DaemonStatus: runtime diagnostics served by /api/status.
//
// ErrorResponse: JSON error body carrying the services error kind so clients
// can map failures back onto the services markers.
//
// # Service and Client
//
// RunService adapts a RunBackend (the coordinator) to request DTOs. Client is
// the HTTP counterpart used by the CLI.
//
// # Design Notes
//
// Runs and work items are served as pipeline.Run and pipeline.WorkItemStatus
// directly; their JSON tags are the wire format. Timestamps use RFC3339 with
// milliseconds.
package api
