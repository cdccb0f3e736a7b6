// Package stores provides the SQLite-backed persistence layer for the
// orchestrator: the manifest store with optimistic concurrency, the
// provisioning request journal keyed by idempotency key, the
// cross-process lease table, and the reconciliation event timeline.
package stores
