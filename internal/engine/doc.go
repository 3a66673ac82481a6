// Package engine composes a ledger node.
//
// A Node owns one event store and wires around it:
//
//   - a transaction coordinator for local commits
//   - a conflict resolver and replication engine for remote events
//   - a sync responder, served over WebSocket when a listen address is set
//   - the projection engine with the built-in and manifest projections
//   - audit delivery and telemetry
//
// Store writers never call into projections or peers directly. Commit
// listeners and the replication applied hook push a Notice onto an
// unbounded queue; the node loop is its single reader. For every notice it
// wakes the projection folder, and for local commits it also triggers a
// sync round so peers see the node's new heads in the next Hello and pull.
//
// Rounds and folds are idempotent, so a dropped wake-up costs latency
// only: both loops also run on their own interval.
package engine
