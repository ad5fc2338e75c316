// Package services defines shared utilities consumed by the orchestration
// components and stage plugins.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, work item IDs, stage and pipeline
//     names, and correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify failures
//     (transient stage failures are retried through redelivery, terminal ones
//     are recorded as unsuccessful completions).
//   - Typed errors for the orchestration taxonomy: initialization failures,
//     expired leases and poison messages.
//
// Use these helpers when writing stage plugins so retry behaviour stays
// uniform across pipelines.
package services
