// Package stage defines the plugin contract for pipeline stages and the
// registry that resolves plugin names to handlers.
//
// Definitions name a plugin per stage; the registry is populated at startup
// and Validate rejects definitions that reference unknown plugins before any
// run is created.
package stage
