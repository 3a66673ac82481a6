// Package replication is the sync engine: it exchanges event ranges with
// peers and drives convergence.
//
// A round with one peer moves Idle -> Requesting -> Receiving -> Applying
// -> Idle. The requester says Hello, learns the peer's heads, asks for
// every origin range above its persisted watermark, routes each batch
// through the conflict resolver and only then advances the watermark, to
// the highest seq that is both received in the round and durably stored.
// A round that fails or is cancelled leaves the watermark where it was;
// the next round asks for the same range again and the store's append
// idempotence absorbs the repeats.
//
// Rounds with different peers run concurrently. The transport is
// pluggable: Pipe and MemoryNetwork for tests and simulations, package
// wsnet for WebSocket connections.
package replication
