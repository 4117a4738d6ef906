// Package store provides SQLite-backed persistence for workflows,
// executions and the CRM records that workflow actions create.
//
// The store holds:
//   - Workflows: graph header, nodes and connections (replaced atomically on save)
//   - Executions: one row per run, with input, final context and error
//   - Node events: append-only per-node status log, ordered by seq
//   - Trigger receipts: deduplication of trigger deliveries
//   - Contacts, pipelines, stages and deals (implements crm.Repository)
//
// # Conventions
//
//   - Every read is tenant scoped; a record of another tenant is reported
//     as not found
//   - Node events are read ORDER BY seq ASC, id ASC so replays of the log
//     are deterministic
//   - JSON columns hold canonical JSON (see internal/canonical)
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
