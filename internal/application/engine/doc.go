// Package engine executes composed plans against the worker pool.
//
// Leaf steps are blocking worker calls; parallel groups run one
// goroutine per child and join before judging the group; loops repeat
// cloned bodies until their predicate holds or the bound is hit.
// Every leaf completion advances the request's persisted progress and
// publishes a lifecycle event.
package engine
