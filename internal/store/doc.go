// Package store is the SQLite-backed EventStore.
//
// The store owns canonical event data:
//   - events: append-only, keyed by (origin, seq), contiguous per origin
//   - transactions: one row per committed local transaction
//   - watermarks / peer_acks: replication progress per peer and origin
//   - conflicts: resolved concurrent pairs, for audit and de-duplication
//   - projection_checkpoints: disposable projection cache
//
// # Append rules
//
//   - seq must be exactly latest_seq(origin)+1, otherwise SequenceGapError
//   - every causal parent must already be stored (or precede the event in
//     the same batch), otherwise CausalDependencyMissingError
//   - re-appending identical content is a no-op; different content at an
//     existing (origin, seq) is a ConflictError
//   - a batch is all-or-nothing, and durable (synchronous=FULL) on return
//   - a failed commit halts further appends for that origin until Resume
//
// # Ordering
//
//   - Within an origin, queries order by seq ASC.
//   - Across origins, queries order by commit_idx ASC (local commit order,
//     always a causal order) or by (origin, seq) COLLATE BINARY.
//
// # Drivers
//
// mattn/go-sqlite3 ("sqlite3", cgo) is the default. modernc.org/sqlite
// ("sqlite", pure Go) is selected with WithDriver(DriverModernc).
package store
