// Package database provides the PostgreSQL connection pool and schema
// migrations for the watch registry.
//
// The registry runs in memory when no database is configured; migrations
// only apply to the PostgreSQL backend.
package database
