// Package jobqueue is the durable background job queue described in
// spec.md §4.J: three priority lanes (high-priority, bulk-sync, default)
// over Redis, ack-late delivery with deadline-based redelivery, and
// exponential backoff with a dead-letter list for exhausted retries.
package jobqueue
