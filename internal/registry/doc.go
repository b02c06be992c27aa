// Package registry is the durable store of watch targets, their order
// attempt log and their state history.
//
// Every mutation touches a single target and is atomic. The poller writes
// LastKnownState; the orchestrator writes cooldown, activity and the ordered
// count. Because those field sets are disjoint, concurrent writers never
// lose each other's updates.
package registry
