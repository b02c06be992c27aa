// Package orchestrator turns availability events into orders.
//
// Each watch target gets a worker with a single-slot mailbox: a newer event
// replaces one that has not been picked up yet, and events that arrive while
// an order is being submitted are dropped. The worker holds the target's lock
// for the whole submission, so at most one attempt is pending per target.
//
// Outcomes drive the target's next step:
//
//	succeeded     record the unit, deactivate once the desired quantity is reached
//	failed        count consecutive rejections, cool down at the threshold
//	rate_limited  cool down with a doubling backoff
//	transient     retry later with a new attempt
//
// Removing a target cancels its worker. A submission already on the wire
// completes and is recorded as discarded; it does not touch the target.
package orchestrator
