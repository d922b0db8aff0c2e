// Package engine is the core of OpenConduct: it admits intent
// envelopes, translates them into backend-neutral execution plans,
// gates them through policy, and drives the plans to completion through
// pluggable backend adapters.
//
// The engine owns the request lifecycle. Admission is idempotent by
// (idempotency_key, fingerprint); execution is sequential per plan in
// dependency order; asynchronous tasks converge through status polling
// and inbound callbacks keyed by (backend, external_id). All mutations
// of a request record serialize through a per-record lock, and terminal
// request states are never left.
//
// Storage, policy, audit, and configuration are contracts defined here
// and implemented by the sibling packages stores, policy, audit, and
// config.
package engine
