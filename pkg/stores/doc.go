// Package stores provides the SQLite persistence layer for NetWard.
// It uses WAL mode with a small connection pool and embedded migrations,
// and implements the core.PlanStore and core.AuditSink interfaces:
// plans with compare-and-swap status updates, single-use approval tokens,
// the append-only audit trail, and per-plan execution logs.
package stores
