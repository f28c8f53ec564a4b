// Package workers implements the capability-based worker pool.
//
// The pool bounds task concurrency with a semaphore and dispatches
// each task to the worker registered for its capability tag, falling
// back to the general worker when no specialist matches. Built-in
// workers wrap the LLM client with capability-specific prompts.
//
// The health monitor samples pool occupancy and feeds the gauges to
// the metrics collector.
package workers
