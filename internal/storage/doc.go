// Package storage persists the agent's durable state.
//
// It holds:
//   - State snapshots: job definitions with their counters, plus finished
//     task records for diagnostics. In-flight tasks are never resumed.
//   - Audit log appends (administrative actions).
//
// Drivers: file (json or msgpack), sqlite (modernc.org/sqlite) and s3.
package storage
