// Package engine orchestrates request execution: building wire-ready
// requests, sending them through a pluggable Transport, following redirects
// manually with correct method-downgrade semantics, retrying with capped
// exponential backoff, refusing destinations whose circuit breaker is open,
// and aggregating execution statistics.
//
// Each Execute call composes the caller's context with a fresh per-attempt
// timeout, so either source can cancel the in-flight send. Timers and
// contexts created for one attempt are released before the next begins.
package engine
