// Package model defines shared data types used across the sniper.
//
// Conventions:
//   - Plan codes are OVH catalog identifiers (e.g., "24ska01")
//   - Datacenters are lower-case OVH zone codes (e.g., "gra", "rbx")
//   - Timestamps: time.Time in UTC
//   - IDs: UUID strings for watch targets, int64 for attempts (per target)
package model
