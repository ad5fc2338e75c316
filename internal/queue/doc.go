// Package queue hands work item messages to workers with at-least-once
// delivery.
//
// Received messages are leased: they stay invisible to other consumers for the
// visibility timeout and carry a pop receipt that DeleteRequest and
// ExtendLease must present. An undeleted message becomes visible again when
// its lease lapses and the next lease increments its dequeue count by one.
// Messages that would exceed the maximum dequeue count are moved to a
// dead-letter store and reported to DeadLetterSinks.
//
// SQLiteQueue persists messages and is safe across processes. MemoryQueue
// serves tests and single-process embedding. Both accept WithClock so lease
// expiry can be driven deterministically.
//
// The database is treated as transient storage for in-flight messages. Schema
// changes bump schemaVersion; operators delete the database to adopt them.
package queue
