// Package daemon coordinates the long-running vectorflow process.
//
// It wires the stage runner, the trigger scheduler and the HTTP API into a
// single lifecycle with flock-based locking to prevent multiple instances on
// the same data directory. The daemon writes a PID file while running and
// serves run creation, run queries and runtime diagnostics over chi.
//
// Keep orchestration logic here: run creation belongs to the coordinator and
// stage execution to the workflow package while the daemon focuses on
// startup, shutdown and exposing them over HTTP.
package daemon
