// Package logging assembles the slog loggers used by the daemon, the CLI and
// the orchestration components.
//
// Console and JSON handlers share one level and output configuration.
// ContextFields lifts run, stage and work item identifiers out of a context so
// stage code logs with the same keys as the coordinator and workers. TeeLogger
// and RunLogs duplicate output into per-run files, and WithMinLevel backs
// the per-stage level settings.
package logging
