// Package workflow advances work items through the stages of their pipeline.
//
// The Manager leases batches of queue messages sized to the free slots of a
// bounded worker pool and runs each message's stage handler on the pool.
// Leases of in-flight messages are renewed in the background; a renewal that
// finds the lease already lost cancels the stage. Successful stages enqueue
// the next stage of the content item, or record the item in the content
// registry once the last stage succeeds. Terminal failures and dead-lettered
// messages fail the remaining stages of the content item so the run can
// finish, and every outcome re-aggregates the run header.
package workflow
