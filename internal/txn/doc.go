// Package txn implements the transaction coordinator.
//
// A transaction moves Open -> Validating -> {Committed | Aborted}. Drafts
// staged while Open stay private to the coordinator; Commit validates the
// whole staged set (schemas, then the policy collaborator under a
// timeout) and hands it to store.AppendLocal, which assigns contiguous
// sequence numbers inside the origin's critical section. Nothing is
// appended unless every check passes, so an aborted transaction never
// changes LatestSeq.
//
// Staging runs in parallel across transactions. Only the append step is
// serialized per origin, and that serialization lives in the store.
package txn
