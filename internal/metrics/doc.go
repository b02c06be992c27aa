// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Poll cycles by result and availability state changes
//   - Order attempts by outcome
//   - Gate denials per endpoint class
//   - Notification delivery and queue depth
//
// All recording methods are safe on a nil *Metrics.
package metrics
