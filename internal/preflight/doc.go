// Package preflight provides readiness checks for the filesystem paths,
// pipeline definitions and external services vectorflow depends on.
//
// The daemon logs RunAll results at startup and the CLI "vectorflow status"
// command renders them. Checks for optional services are skipped when the
// service is not configured.
package preflight
