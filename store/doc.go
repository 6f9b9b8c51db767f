// Package store persists session records and their ordered event logs.
//
// Three drivers share the Store contract: an in-memory bounded store for
// tests and ephemeral use, a SQLite store for durable single-node
// deployments, and a Redis store for shared deployments. All drivers apply
// identical ordering, pagination, and eviction semantics.
package store
