// Package coordinator owns the request lifecycle from submission to
// terminal outcome.
//
// Submit validates and persists the request, then a background
// goroutine plans it, executes the plan through the engine, validates
// the aggregated result with the tester agent (re-running rejected
// steps within the revision budget), and commits the terminal state.
// All status writes go through the store's optimistic versioning, so
// a racing cancellation can never be overwritten.
package coordinator
