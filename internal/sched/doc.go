// Package sched hosts the scheduler loop.
//
// Each tick it gathers due, dependency-satisfied tasks across all
// loop-scheduled queues, merges them into a priority heap, and admits up to
// capacity: an independently configurable per-queue ceiling plus one global
// ceiling. Critical-priority tasks are always admitted, even past a full
// ceiling. The RUNNING transition is persisted before the handler is
// dispatched so a crash mid-handler is recoverable as stale-running.
//
// Queues marked bridged are executed by the bridge package instead; the loop
// never touches them.
package sched
