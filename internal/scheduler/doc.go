// Package scheduler implements the bulk dispatch engine: a FIFO job queue
// drained in bounded-concurrency batches, with round-robin assignment over
// the eligible SMTP accounts, standby-aware eligibility refresh at the top
// of every cycle, and live progress derivation.
//
// At most one drain loop is active per scheduler. Pausing lets the current
// batch finish but starts no further batch; clearing empties the queue
// without cancelling in-flight sends.
package scheduler
