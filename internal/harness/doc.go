// Package harness runs multi-node ledger scenarios.
//
// A scenario starts a set of nodes, applies steps in order and then checks
// assertions against each node's store and projections:
//
//	name: concurrent_spend
//	description: "two nodes spend the same asset offline"
//	nodes:
//	  - id: a
//	    peers: [b]
//	  - id: b
//	    peers: [a]
//	steps:
//	  - action: commit
//	    node: a
//	    deltas: [{asset: gold, amount: "10"}]
//	  - action: sync
//	    node: b
//	    peer: a
//	  - action: crash
//	    node: b
//	    during: sync
//	    peer: a
//	assertions:
//	  - type: latest_seq
//	    node: b
//	    origin: a
//	    seq: 1
//	  - type: balance
//	    node: b
//	    asset: gold
//	    equals: "10"
//	  - type: fold_deterministic
//	    node: b
//
// Steps are commit, sync, crash, abort and rebuild. A crash with
// during: sync stops the round after its events are applied and before
// the watermark is saved, then restarts the node from its store.
//
// Nodes share a deterministic clock and sequential transaction ids and
// talk over replication.MemoryNetwork, so a scenario produces the same
// trace on every run. RunWithGolden pins that trace with goldie.
package harness
