// Package registry records the last processed state of every content item so
// runs skip content that has not changed since it was last processed.
//
// Entries are keyed by pipeline and canonical id, never by run. Classify
// decides whether an observed item is changed, and Removals derives Remove
// items for content that disappeared from the source. Badger is the default
// backend; DynamoDB serves shared deployments and MemoryStore serves tests.
package registry
