// Package ir defines the ledger data model shared by every other package.
//
// ir imports nothing internal. Store, coordinator, resolver, replication and
// projection code all speak in terms of ir.Event, ir.EventID and
// ir.VectorClock.
//
// Key constraints:
//   - No float types in payloads; decimal amounts travel as strings
//   - seq is strictly increasing and contiguous per origin, starting at 1
//   - Ordering across origins is causal (vector clocks), never wall-clock
//   - Content hashes use RFC 8785 canonical JSON with domain separation
//   - All JSON tags use snake_case
package ir
