// Package poller implements the Availability Poller and Catalog Watcher.
//
// The Availability Poller:
//   - Runs one schedule per active watch target, with jitter
//   - Records state changes in the registry and history
//   - Offers exactly one event per change to the orchestrator
//   - Pauses a target while its credential version is rejected
//
// The Catalog Watcher lists the whole availability catalog and reports plan
// codes that were not listed on the previous run.
package poller
