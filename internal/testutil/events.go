package testutil

import (
	"fmt"

	"github.com/Misty4119/nds-api/internal/ir"
)

// Chain builds a valid event sequence for one origin without a store.
// Each event's clock covers the previous own event plus anything passed
// via Observe, and its parents are the previous own event plus the
// observed heads.
type Chain struct {
	Origin ir.OriginID
	clock  ir.VectorClock
	seen   map[ir.OriginID]uint64
	txn    int
}

// NewChain starts an empty chain for origin.
func NewChain(origin ir.OriginID) *Chain {
	return &Chain{Origin: origin, clock: ir.VectorClock{}, seen: map[ir.OriginID]uint64{}}
}

// Observe merges events from other origins into the chain's causal past.
func (c *Chain) Observe(events ...ir.Event) {
	for _, ev := range events {
		c.clock.Merge(ev.Clock)
		if ev.Seq > c.seen[ev.Origin] {
			c.seen[ev.Origin] = ev.Seq
		}
	}
}

// Delta returns the next asset.delta event adding amount to asset, in its
// own transaction.
func (c *Chain) Delta(asset, amount string) ir.Event {
	c.txn++
	return c.Next(fmt.Sprintf("%s-tx-%d", c.Origin, c.txn), asset, amount)
}

// Next returns the next asset.delta event in transaction txID.
func (c *Chain) Next(txID, asset, amount string) ir.Event {
	seq := c.clock.Get(c.Origin) + 1
	c.clock[c.Origin] = seq

	var parents []ir.EventID
	if seq > 1 {
		parents = append(parents, ir.EventID{Origin: c.Origin, Seq: seq - 1})
	}
	for origin, s := range c.seen {
		if origin != c.Origin && s > 0 {
			parents = append(parents, ir.EventID{Origin: origin, Seq: s})
		}
	}
	return ir.Event{
		Origin:        c.Origin,
		Seq:           seq,
		TransactionID: txID,
		Type:          ir.EventAssetUpdated,
		AssetID:       asset,
		Scope:         ir.ScopeGlobal,
		Schema:        "asset.delta",
		SchemaVersion: "1.0.0",
		Payload:       ir.Object{"amount": ir.String(amount)},
		Clock:         c.clock.Clone(),
		Parents:       ir.NormalizeParents(parents),
		CreatedAt:     int64(seq),
	}
}
