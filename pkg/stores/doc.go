// Package stores provides the request store implementations behind the
// engine's Store contract: an in-memory store for tests and ephemeral
// deployments, and a SQLite store for durable single-node operation.
//
// Both implementations keep the external-id index consistent with the
// stored results: the index is rebuilt in the same critical section (or
// transaction) as each record write, so a callback lookup never sees an
// index entry without its record.
package stores
