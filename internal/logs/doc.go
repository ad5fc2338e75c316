// Package logs reads the per-run log files the daemon writes under
// <log_dir>/runs. It returns the last N lines with bounded memory, follows a
// file as the run appends to it, and renders JSON log records as compact
// console lines for the CLI.
package logs
